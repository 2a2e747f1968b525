package toolprovider

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Consumer-hosted extension services. Two wire protocols are in play: the
// legacy URL-encoded extension protocol (Outcomes, Memberships, Settings) and
// the LTI 1.1 POX XML protocol (Outcomes only, decimal results).

// OutcomeAction selects the outcomes operation.
type OutcomeAction int

const (
	OutcomeRead OutcomeAction = iota
	OutcomeWrite
	OutcomeDelete
)

// SettingAction selects the tool-setting operation.
type SettingAction int

const (
	SettingRead SettingAction = iota
	SettingWrite
	SettingDelete
)

// Legacy extension message types.
const (
	msgReadResult            = "basic-lis-readresult"
	msgUpdateResult          = "basic-lis-updateresult"
	msgDeleteResult          = "basic-lis-deleteresult"
	msgMemberships           = "basic-lis-readmembershipsforcontext"
	msgMembershipsWithGroups = "basic-lis-readmembershipsforcontextwithgroups"
	msgLoadSetting           = "basic-lti-loadsetting"
	msgSaveSetting           = "basic-lti-savesetting"
	msgDeleteSetting         = "basic-lti-deletesetting"
)

// DoOutcomesService reads, writes or deletes one result for the given user.
// The LTI 1.1 endpoint is preferred when advertised and the value is (or can
// be coerced to) a decimal; otherwise the legacy endpoint is used with the
// consumer's supported value types.
func (p *Provider) DoOutcomesService(ctx context.Context, action OutcomeAction, c *Consumer, rl *ResourceLink, u *User, o *Outcome) error {
	if u.ResultSourcedID == "" {
		return failf(KindServiceUnavailable, "user has no result sourcedid")
	}
	urlLTI11 := rl.Setting("lis_outcome_service_url")
	urlExt := rl.Setting("ext_ims_lis_basic_outcome_url")
	if urlLTI11 == "" && urlExt == "" {
		return failf(KindServiceUnavailable, "no outcomes service endpoint advertised")
	}

	supported := supportedValueTypes(rl)

	var pox string
	var legacy string
	switch action {
	case OutcomeRead:
		if urlLTI11 != "" && o.Type == TypeDecimal {
			pox = "readResultRequest"
		} else if urlExt != "" {
			legacy = msgReadResult
		}
	case OutcomeWrite:
		if urlLTI11 != "" && checkValueType(o, []string{TypeDecimal}) {
			pox = "replaceResultRequest"
		} else if urlExt != "" && checkValueType(o, supported) {
			legacy = msgUpdateResult
		} else {
			return failf(KindUnsupportedValueType, "outcome %s cannot be expressed in a supported value type", o)
		}
	case OutcomeDelete:
		if urlLTI11 != "" && o.Type == TypeDecimal {
			pox = "deleteResultRequest"
		} else if urlExt != "" {
			legacy = msgDeleteResult
		}
	}

	switch {
	case pox != "":
		return p.doLTI11Outcome(ctx, pox, urlLTI11, c, u, o)
	case legacy != "":
		params := url.Values{}
		params.Set("sourcedid", u.ResultSourcedID)
		if action == OutcomeWrite {
			params.Set("result_resultscore_textstring", o.Value)
			if o.Language != "" {
				params.Set("result_resultscore_language", o.Language)
			}
			if o.Status != "" {
				params.Set("result_statusofresult", o.Status)
			}
			if o.Date != "" {
				params.Set("result_date", o.Date)
			}
			if o.DataSource != "" {
				params.Set("result_datasource", o.DataSource)
			}
		}
		resp, err := p.doLegacyService(ctx, legacy, urlExt, c, params)
		if err != nil {
			return err
		}
		if action == OutcomeRead {
			o.Value = resp.Result.ResultScore.TextString
		}
		return nil
	default:
		return failf(KindServiceUnavailable, "no endpoint supports this outcomes action")
	}
}

// DoMembershipsService fetches the consumer's current roster for the link and
// converges local user records onto it: members carrying a result sourcedid
// are persisted, and previously known users absent from the new roster are
// deleted once the whole roster has parsed.
func (p *Provider) DoMembershipsService(ctx context.Context, c *Consumer, rl *ResourceLink, withGroups bool) ([]*User, error) {
	endpoint := rl.Setting("ext_ims_lis_memberships_url")
	if endpoint == "" {
		return nil, failf(KindServiceUnavailable, "no memberships service endpoint advertised")
	}
	msg := msgMemberships
	if withGroups {
		msg = msgMembershipsWithGroups
	}
	params := url.Values{}
	params.Set("id", rl.Setting("ext_ims_lis_memberships_id"))
	resp, err := p.doLegacyService(ctx, msg, endpoint, c, params)
	if err != nil {
		return nil, err
	}

	if withGroups {
		rl.Groups = map[string]Group{}
		rl.GroupSets = map[string]GroupSet{}
	}

	users := make([]*User, 0, len(resp.Memberships.Members))
	seen := map[string]bool{}
	for _, m := range resp.Memberships.Members {
		u := NewUser(rl, m.UserID)
		u.SetNames(m.GivenName, m.FamilyName, m.FullName)
		u.SetEmail(m.Email, c.DefaultEmail)
		u.SetRoles(m.Roles)
		u.ResultSourcedID = m.ResultSourcedID
		if withGroups {
			for _, g := range m.Groups {
				u.Groups = append(u.Groups, g.ID)
				rl.Groups[g.ID] = Group{Title: g.Title, Set: g.Set.ID}
				if g.Set.ID != "" {
					set := rl.GroupSets[g.Set.ID]
					set.Title = g.Set.Title
					if !containsString(set.Groups, g.ID) {
						set.Groups = append(set.Groups, g.ID)
					}
					rl.GroupSets[g.Set.ID] = set
				}
			}
		}
		if u.ResultSourcedID != "" {
			now := p.now()
			switch old, err := p.Store.LoadUser(ctx, rl.ConsumerKey, rl.ID, u.ID); {
			case err == nil:
				u.Created = old.Created
			case errors.Is(err, ErrNotFound):
				u.Created = &now
			default:
				return nil, failf(KindStorage, "load user: %v", err)
			}
			u.Updated = &now
			if err := p.Store.SaveUser(ctx, u); err != nil {
				return nil, failf(KindStorage, "save user: %v", err)
			}
		}
		seen[u.ScopedID(ScopeResource)] = true
		users = append(users, u)
	}

	// Deletions only after the full roster parsed cleanly.
	known, err := p.Store.ListUsersWithResults(ctx, rl.ConsumerKey, rl.ID)
	if err != nil {
		return nil, failf(KindStorage, "list users: %v", err)
	}
	for i := range known {
		old := known[i]
		old.link = rl
		if !seen[old.ScopedID(ScopeResource)] {
			if err := p.Store.DeleteUser(ctx, &old); err != nil {
				return nil, failf(KindStorage, "delete user: %v", err)
			}
		}
	}

	if withGroups {
		now := p.now()
		rl.Updated = &now
		if err := p.Store.SaveResourceLink(ctx, rl); err != nil {
			return nil, failf(KindStorage, "save resource link: %v", err)
		}
	}
	return users, nil
}

// DoSettingService reads, writes or deletes the consumer-held tool setting
// for the link. Writes mirror the value into the link's local settings.
func (p *Provider) DoSettingService(ctx context.Context, action SettingAction, c *Consumer, rl *ResourceLink, value string) (string, error) {
	endpoint := rl.Setting("ext_ims_lti_tool_setting_url")
	if endpoint == "" {
		return "", failf(KindServiceUnavailable, "no tool setting service endpoint advertised")
	}
	params := url.Values{}
	params.Set("id", rl.Setting("ext_ims_lti_tool_setting_id"))
	var msg string
	switch action {
	case SettingRead:
		msg = msgLoadSetting
	case SettingWrite:
		msg = msgSaveSetting
		params.Set("setting", value)
	case SettingDelete:
		msg = msgDeleteSetting
	}
	resp, err := p.doLegacyService(ctx, msg, endpoint, c, params)
	if err != nil {
		return "", err
	}
	switch action {
	case SettingRead:
		return resp.Setting.Value, nil
	case SettingWrite:
		rl.SetSetting("ext_ims_lti_tool_setting", value)
		now := p.now()
		rl.Updated = &now
		if err := p.Store.SaveResourceLink(ctx, rl); err != nil {
			return "", failf(KindStorage, "save resource link: %v", err)
		}
	}
	return value, nil
}

// ===== Legacy URL-encoded protocol =====

type extResponse struct {
	XMLName    xml.Name `xml:"message_response"`
	StatusInfo struct {
		CodeMajor   string `xml:"codemajor"`
		Severity    string `xml:"severity"`
		Description string `xml:"description"`
	} `xml:"statusinfo"`
	Result struct {
		ResultScore struct {
			Language   string `xml:"language"`
			TextString string `xml:"textstring"`
		} `xml:"resultscore"`
	} `xml:"result"`
	Setting struct {
		Value string `xml:"value"`
	} `xml:"setting"`
	Memberships struct {
		Members []extMember `xml:"member"`
	} `xml:"memberships"`
}

type extMember struct {
	UserID          string     `xml:"user_id"`
	Roles           string     `xml:"roles"`
	GivenName       string     `xml:"person_name_given"`
	FamilyName      string     `xml:"person_name_family"`
	FullName        string     `xml:"person_name_full"`
	Email           string     `xml:"person_contact_email_primary"`
	ResultSourcedID string     `xml:"lis_result_sourcedid"`
	Groups          []extGroup `xml:"groups>group"`
}

type extGroup struct {
	ID    string `xml:"id"`
	Title string `xml:"title"`
	Set   struct {
		ID    string `xml:"id"`
		Title string `xml:"title"`
	} `xml:"set"`
}

// doLegacyService signs and POSTs a URL-encoded service request, requiring a
// Success code major in the response.
func (p *Provider) doLegacyService(ctx context.Context, messageType, endpoint string, c *Consumer, params url.Values) (*extResponse, error) {
	params.Set("lti_version", LTIVersion1)
	params.Set("lti_message_type", messageType)
	signed := signParams(http.MethodPost, endpoint, params, c.Key, c.Secret, p.now())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(signed.Encode()))
	if err != nil {
		return nil, failf(KindServiceUnavailable, "%s: %v", messageType, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, failf(KindServiceUnavailable, "%s: %v", messageType, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, failf(KindServiceUnavailable, "%s: consumer returned %s", messageType, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failf(KindServiceUnavailable, "%s: %v", messageType, err)
	}
	var parsed extResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, failf(KindServiceRejected, "%s: unparseable response: %v", messageType, err)
	}
	if !strings.EqualFold(parsed.StatusInfo.CodeMajor, "Success") {
		return nil, failf(KindServiceRejected, "%s: consumer reported %s: %s", messageType, parsed.StatusInfo.CodeMajor, parsed.StatusInfo.Description)
	}
	return &parsed, nil
}

// ===== LTI 1.1 POX protocol =====

const poxEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeRequest xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader>
    <imsx_POXRequestHeaderInfo>
      <imsx_version>V1.0</imsx_version>
      <imsx_messageIdentifier>%s</imsx_messageIdentifier>
    </imsx_POXRequestHeaderInfo>
  </imsx_POXHeader>
  <imsx_POXBody>
    <%s>
      <resultRecord>
        <sourcedGUID>
          <sourcedId>%s</sourcedId>
        </sourcedGUID>%s
      </resultRecord>
    </%s>
  </imsx_POXBody>
</imsx_POXEnvelopeRequest>`

const poxResult = `
        <result>
          <resultScore>
            <language>%s</language>
            <textString>%s</textString>
          </resultScore>
        </result>`

type poxResponse struct {
	XMLName     xml.Name `xml:"imsx_POXEnvelopeResponse"`
	CodeMajor   string   `xml:"imsx_POXHeader>imsx_POXResponseHeaderInfo>imsx_statusInfo>imsx_codeMajor"`
	Description string   `xml:"imsx_POXHeader>imsx_POXResponseHeaderInfo>imsx_statusInfo>imsx_description"`
	TextString  string   `xml:"imsx_POXBody>readResultResponse>result>resultScore>textString"`
}

func (p *Provider) doLTI11Outcome(ctx context.Context, operation, endpoint string, c *Consumer, u *User, o *Outcome) error {
	var result string
	if operation == "replaceResultRequest" {
		lang := o.Language
		if lang == "" {
			lang = "en-US"
		}
		result = fmt.Sprintf(poxResult, xmlEscape(lang), xmlEscape(o.Value))
	}
	body := []byte(fmt.Sprintf(poxEnvelope, uuid.NewString(), operation, xmlEscape(u.ResultSourcedID), result, operation))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return failf(KindServiceUnavailable, "%s: %v", operation, err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Authorization", signBody(http.MethodPost, endpoint, body, c.Key, c.Secret, p.now()))

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return failf(KindServiceUnavailable, "%s: %v", operation, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return failf(KindServiceUnavailable, "%s: consumer returned %s", operation, resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return failf(KindServiceUnavailable, "%s: %v", operation, err)
	}
	var parsed poxResponse
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return failf(KindServiceRejected, "%s: unparseable response: %v", operation, err)
	}
	if !strings.EqualFold(parsed.CodeMajor, "success") {
		return failf(KindServiceRejected, "%s: consumer reported %s: %s", operation, parsed.CodeMajor, parsed.Description)
	}
	if operation == "readResultRequest" {
		o.Value = parsed.TextString
	}
	return nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// ===== Value type coercion =====

func supportedValueTypes(rl *ResourceLink) []string {
	raw := rl.Setting("ext_ims_lis_resultvalue_sourcedids", TypeDecimal)
	parts := strings.Split(strings.ToLower(strings.ReplaceAll(raw, " ", "")), ",")
	out := parts[:0]
	for _, t := range parts {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// checkValueType coerces the outcome to a type in the supported list where a
// conversion rule exists, mutating it in place. It reports whether the
// outcome (possibly after coercion) is expressible.
func checkValueType(o *Outcome, supported []string) bool {
	if len(supported) == 0 {
		supported = []string{TypeDecimal}
	}
	if o.Value == "" || containsString(supported, o.Type) {
		return true
	}
	has := func(t string) bool { return containsString(supported, t) }

	switch o.Type {
	case TypePercentage:
		f, err := strconv.ParseFloat(strings.TrimSuffix(o.Value, "%"), 64)
		if err == nil && f >= 0 && f <= 100 && has(TypeDecimal) {
			o.Type = TypeDecimal
			o.Value = strconv.FormatFloat(f/100, 'g', -1, 64)
			return true
		}
	case TypeRatio:
		num, den, ok := strings.Cut(o.Value, "/")
		if ok && has(TypeDecimal) {
			n, errN := strconv.ParseFloat(num, 64)
			d, errD := strconv.ParseFloat(den, 64)
			if errN == nil && errD == nil && d > 0 && n >= 0 {
				o.Type = TypeDecimal
				o.Value = strconv.FormatFloat(n/d, 'g', -1, 64)
				return true
			}
		}
	case TypeDecimal:
		f, err := strconv.ParseFloat(o.Value, 64)
		if err == nil && f >= 0 && f <= 1 && has(TypePercentage) {
			o.Type = TypePercentage
			o.Value = strconv.FormatFloat(f*100, 'g', -1, 64) + "%"
			return true
		}
	case TypeLetterAF:
		switch {
		case has(TypeLetterAFPlus):
			o.Type = TypeLetterAFPlus
			return true
		case has(TypeText):
			o.Type = TypeText
			return true
		}
	case TypeLetterAFPlus:
		switch {
		case has(TypeLetterAF):
			o.Type = TypeLetterAF
			o.Value = strings.TrimRight(o.Value, "+-")
			return true
		case has(TypeText):
			o.Type = TypeText
			return true
		}
	case TypeText:
		f, err := strconv.ParseFloat(o.Value, 64)
		switch {
		case err == nil && has(TypeDecimal):
			o.Type = TypeDecimal
			return true
		case err == nil && f >= 0 && f <= 1 && has(TypePercentage):
			o.Type = TypePercentage
			o.Value = strconv.FormatFloat(f*100, 'g', -1, 64) + "%"
			return true
		case err != nil && (has(TypeLetterAF) || has(TypeLetterAFPlus)):
			if has(TypeLetterAFPlus) {
				o.Type = TypeLetterAFPlus
			} else {
				o.Type = TypeLetterAF
			}
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
