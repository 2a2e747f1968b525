package toolprovider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

const legacySuccess = `<message_response>
  <statusinfo><codemajor>Success</codemajor><severity>Status</severity></statusinfo>
</message_response>`

const poxSuccess = `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeResponse xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader>
    <imsx_POXResponseHeaderInfo>
      <imsx_statusInfo><imsx_codeMajor>success</imsx_codeMajor></imsx_statusInfo>
    </imsx_POXResponseHeaderInfo>
  </imsx_POXHeader>
  <imsx_POXBody><replaceResultResponse/></imsx_POXBody>
</imsx_POXEnvelopeResponse>`

func serviceFixture(t *testing.T) (*Provider, *fakeStore, *Consumer, *ResourceLink, *User) {
	t.Helper()
	p, st := seedProvider(t)
	c := st.consumers[testKey]
	rl := &ResourceLink{ConsumerKey: testKey, ID: "link-1", ContextID: "ctx-1"}
	u := NewUser(rl, "42")
	u.ResultSourcedID = "srcd-42"
	return p, st, &c, rl, u
}

// serviceErrKind unwraps the classified failure kind from a service error.
func serviceErrKind(t *testing.T, err error) ErrorKind {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("unexpected error type: %v", err)
	}
	return e.Kind
}

func TestOutcomesLegacyWriteCoercesValue(t *testing.T) {
	var posted url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		posted = r.PostForm
		io.WriteString(w, legacySuccess)
	}))
	defer srv.Close()

	p, _, c, rl, u := serviceFixture(t)
	rl.SetSetting("ext_ims_lis_basic_outcome_url", srv.URL)
	rl.SetSetting("ext_ims_lis_resultvalue_sourcedids", "decimal")

	o := NewOutcome(TypePercentage, "85%")
	if err := p.DoOutcomesService(context.Background(), OutcomeWrite, c, rl, u, o); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := posted.Get("lti_message_type"); got != "basic-lis-updateresult" {
		t.Errorf("message type = %q", got)
	}
	if got := posted.Get("sourcedid"); got != "srcd-42" {
		t.Errorf("sourcedid = %q", got)
	}
	if got := posted.Get("result_resultscore_textstring"); got != "0.85" {
		t.Errorf("score = %q, want coerced decimal", got)
	}
	if posted.Get("oauth_signature") == "" {
		t.Error("request must be OAuth signed")
	}
}

func TestOutcomesLegacyRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<message_response>
  <statusinfo><codemajor>Success</codemajor></statusinfo>
  <result><resultscore><language>en-US</language><textstring>0.91</textstring></resultscore></result>
</message_response>`)
	}))
	defer srv.Close()

	p, _, c, rl, u := serviceFixture(t)
	rl.SetSetting("ext_ims_lis_basic_outcome_url", srv.URL)

	o := NewOutcome(TypeText, "")
	if err := p.DoOutcomesService(context.Background(), OutcomeRead, c, rl, u, o); err != nil {
		t.Fatalf("read: %v", err)
	}
	if o.Value != "0.91" {
		t.Errorf("value = %q", o.Value)
	}
}

func TestOutcomesPrefersPOXForDecimals(t *testing.T) {
	var gotBody string
	var gotAuth string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		io.WriteString(w, poxSuccess)
	}))
	defer srv.Close()

	p, _, c, rl, u := serviceFixture(t)
	rl.SetSetting("lis_outcome_service_url", srv.URL)
	rl.SetSetting("ext_ims_lis_basic_outcome_url", "https://unused.example/ext")

	o := NewOutcome(TypeDecimal, "0.8")
	if err := p.DoOutcomesService(context.Background(), OutcomeWrite, c, rl, u, o); err != nil {
		t.Fatalf("write: %v", err)
	}

	if gotContentType != "application/xml" {
		t.Errorf("content type = %q", gotContentType)
	}
	if !strings.HasPrefix(gotAuth, "OAuth ") || !strings.Contains(gotAuth, "oauth_body_hash=") {
		t.Errorf("authorization header = %q", gotAuth)
	}
	for _, want := range []string{"<replaceResultRequest>", "<sourcedId>srcd-42</sourcedId>", "<textString>0.8</textString>"} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("body missing %s", want)
		}
	}
}

func TestOutcomesPOXRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeResponse xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader>
    <imsx_POXResponseHeaderInfo>
      <imsx_statusInfo><imsx_codeMajor>success</imsx_codeMajor></imsx_statusInfo>
    </imsx_POXResponseHeaderInfo>
  </imsx_POXHeader>
  <imsx_POXBody>
    <readResultResponse>
      <result><resultScore><language>en-US</language><textString>0.91</textString></resultScore></result>
    </readResultResponse>
  </imsx_POXBody>
</imsx_POXEnvelopeResponse>`)
	}))
	defer srv.Close()

	p, _, c, rl, u := serviceFixture(t)
	rl.SetSetting("lis_outcome_service_url", srv.URL)

	o := NewOutcome(TypeDecimal, "")
	if err := p.DoOutcomesService(context.Background(), OutcomeRead, c, rl, u, o); err != nil {
		t.Fatalf("read: %v", err)
	}
	if o.Value != "0.91" {
		t.Errorf("value = %q", o.Value)
	}
}

func TestOutcomesUnsupportedValueType(t *testing.T) {
	p, _, c, rl, u := serviceFixture(t)
	rl.SetSetting("lis_outcome_service_url", "https://lms.example/outcomes")

	o := NewOutcome(TypeLetterAF, "B")
	err := p.DoOutcomesService(context.Background(), OutcomeWrite, c, rl, u, o)
	if kind := serviceErrKind(t, err); kind != KindUnsupportedValueType {
		t.Fatalf("got %v, want %s", err, KindUnsupportedValueType)
	}
}

func TestOutcomesNoEndpoint(t *testing.T) {
	p, _, c, rl, u := serviceFixture(t)
	err := p.DoOutcomesService(context.Background(), OutcomeWrite, c, rl, u, NewOutcome(TypeDecimal, "0.5"))
	if kind := serviceErrKind(t, err); kind != KindServiceUnavailable {
		t.Fatalf("got %v, want %s", err, KindServiceUnavailable)
	}
}

func TestOutcomesConsumerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<message_response>
  <statusinfo><codemajor>Failure</codemajor><description>no such sourcedid</description></statusinfo>
</message_response>`)
	}))
	defer srv.Close()

	p, _, c, rl, u := serviceFixture(t)
	rl.SetSetting("ext_ims_lis_basic_outcome_url", srv.URL)

	err := p.DoOutcomesService(context.Background(), OutcomeDelete, c, rl, u, NewOutcome(TypeDecimal, ""))
	if kind := serviceErrKind(t, err); kind != KindServiceRejected {
		t.Fatalf("got %v, want %s", err, KindServiceRejected)
	}
}

func TestMembershipsConvergesRoster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.PostForm.Get("lti_message_type"); got != "basic-lis-readmembershipsforcontextwithgroups" {
			t.Errorf("message type = %q", got)
		}
		if got := r.PostForm.Get("id"); got != "mships-1" {
			t.Errorf("memberships id = %q", got)
		}
		io.WriteString(w, `<message_response>
  <statusinfo><codemajor>Success</codemajor></statusinfo>
  <memberships>
    <member>
      <user_id>A</user_id><roles>Learner</roles>
      <person_name_full>Alice Apple</person_name_full>
      <lis_result_sourcedid>srcd-A</lis_result_sourcedid>
      <groups><group><id>g1</id><title>Red</title><set><id>s1</id><title>Teams</title></set></group></groups>
    </member>
    <member>
      <user_id>C</user_id><roles>Learner</roles>
      <person_name_full>Carol Cherry</person_name_full>
      <lis_result_sourcedid>srcd-C</lis_result_sourcedid>
      <groups><group><id>g2</id><title>Blue</title><set><id>s1</id><title>Teams</title></set></group></groups>
    </member>
    <member>
      <user_id>D</user_id><roles>Instructor</roles>
      <person_name_full>Dan Damson</person_name_full>
    </member>
  </memberships>
</message_response>`)
	}))
	defer srv.Close()

	p, st, c, rl, _ := serviceFixture(t)
	rl.SetSetting("ext_ims_lis_memberships_url", srv.URL)
	rl.SetSetting("ext_ims_lis_memberships_id", "mships-1")

	// A and B are already known locally; B has dropped off the roster.
	enrolled := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	st.users[userKey(testKey, "link-1", "A")] = User{ConsumerKey: testKey, ResourceLinkID: "link-1", ID: "A", ResultSourcedID: "old-A", Created: &enrolled}
	st.users[userKey(testKey, "link-1", "B")] = User{ConsumerKey: testKey, ResourceLinkID: "link-1", ID: "B", ResultSourcedID: "srcd-B"}

	users, err := p.DoMembershipsService(context.Background(), c, rl, true)
	if err != nil {
		t.Fatalf("memberships: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("got %d members, want 3", len(users))
	}

	if u := st.users[userKey(testKey, "link-1", "A")]; u.ResultSourcedID != "srcd-A" {
		t.Errorf("A sourcedid = %q, want refreshed", u.ResultSourcedID)
	} else if u.Created == nil || !u.Created.Equal(enrolled) {
		t.Errorf("A created = %v, want original %v", u.Created, enrolled)
	}
	if _, ok := st.users[userKey(testKey, "link-1", "B")]; ok {
		t.Error("B left the roster and should be deleted")
	}
	if u, ok := st.users[userKey(testKey, "link-1", "C")]; !ok {
		t.Error("C joined the roster and should be persisted")
	} else if u.Created == nil {
		t.Error("C is new and should get a creation time")
	}
	if _, ok := st.users[userKey(testKey, "link-1", "D")]; ok {
		t.Error("D has no sourcedid and must not be persisted")
	}

	if g, ok := rl.Groups["g1"]; !ok || g.Title != "Red" || g.Set != "s1" {
		t.Errorf("group g1 = %+v", rl.Groups["g1"])
	}
	set, ok := rl.GroupSets["s1"]
	if !ok || set.Title != "Teams" || len(set.Groups) != 2 {
		t.Errorf("group set s1 = %+v", set)
	}
	if _, ok := st.links[linkKey(testKey, "link-1")]; !ok {
		t.Error("link with group data should be persisted")
	}
}

func TestMembershipsNoEndpoint(t *testing.T) {
	p, _, c, rl, _ := serviceFixture(t)
	_, err := p.DoMembershipsService(context.Background(), c, rl, false)
	if kind := serviceErrKind(t, err); kind != KindServiceUnavailable {
		t.Fatalf("got %v, want %s", err, KindServiceUnavailable)
	}
}

func TestSettingServiceReadWrite(t *testing.T) {
	var posted url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		posted = r.PostForm
		io.WriteString(w, `<message_response>
  <statusinfo><codemajor>Success</codemajor></statusinfo>
  <setting><value>stored-value</value></setting>
</message_response>`)
	}))
	defer srv.Close()

	p, st, c, rl, _ := serviceFixture(t)
	rl.SetSetting("ext_ims_lti_tool_setting_url", srv.URL)
	rl.SetSetting("ext_ims_lti_tool_setting_id", "setting-1")

	got, err := p.DoSettingService(context.Background(), SettingRead, c, rl, "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "stored-value" {
		t.Errorf("read value = %q", got)
	}
	if posted.Get("lti_message_type") != "basic-lti-loadsetting" {
		t.Errorf("message type = %q", posted.Get("lti_message_type"))
	}

	if _, err := p.DoSettingService(context.Background(), SettingWrite, c, rl, "new-value"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if posted.Get("lti_message_type") != "basic-lti-savesetting" {
		t.Errorf("message type = %q", posted.Get("lti_message_type"))
	}
	if posted.Get("setting") != "new-value" {
		t.Errorf("setting param = %q", posted.Get("setting"))
	}
	if rl.Setting("ext_ims_lti_tool_setting") != "new-value" {
		t.Error("write should mirror the value locally")
	}
	if _, ok := st.links[linkKey(testKey, "link-1")]; !ok {
		t.Error("link with mirrored setting should be persisted")
	}

	if _, err := p.DoSettingService(context.Background(), SettingDelete, c, rl, ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if posted.Get("lti_message_type") != "basic-lti-deletesetting" {
		t.Errorf("message type = %q", posted.Get("lti_message_type"))
	}
}
