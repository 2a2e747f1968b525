// Package toolprovider implements the provider side of the IMS LTI 1.x launch
// protocol: OAuth 1.0a request verification, launch validation and entity
// synchronization, resource-link sharing, and the consumer-hosted extension
// services (Outcomes, Memberships, Settings).
package toolprovider

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// IDScope selects how user ids are qualified when keying local records.
type IDScope int

const (
	ScopeIDOnly   IDScope = 0 // external id as-is
	ScopeGlobal   IDScope = 1 // consumerKey:id
	ScopeContext  IDScope = 2 // consumerKey:contextId:id
	ScopeResource IDScope = 3 // consumerKey:resourceLinkId:id
)

const scopeSeparator = ":"

// Supported LTI version values reported by consumers.
const (
	LTIVersion1 = "LTI-1p0"
)

// Consumer is a registered LMS instance, keyed by its oauth_consumer_key.
type Consumer struct {
	Key    string
	Secret string
	Name   string

	LTIVersion      string
	ConsumerName    string // tool_consumer_info_product_family_code
	ConsumerVersion string // tool_consumer_info_version
	ConsumerGUID    string // tool_consumer_instance_guid, pinned on first sight
	CSSPath         string

	Protected bool
	Enabled   bool

	EnableFrom  *time.Time
	EnableUntil *time.Time
	LastAccess  *time.Time

	IDScope      IDScope
	DefaultEmail string // address, or "@domain" to synthesize <userId>@domain

	Created *time.Time
	Updated *time.Time
}

// Available reports whether the consumer is enabled and inside its enable
// window at time now.
func (c *Consumer) Available(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	if c.EnableFrom != nil && now.Before(*c.EnableFrom) {
		return false
	}
	if c.EnableUntil != nil && !now.Before(*c.EnableUntil) {
		return false
	}
	return true
}

// Setting names the engine tracks verbatim on each launch. Absent parameters
// clear the corresponding setting.
var ltiSettingNames = []string{
	"lis_outcome_service_url",
	"ext_ims_lis_basic_outcome_url",
	"ext_ims_lis_resultvalue_sourcedids",
	"ext_ims_lis_memberships_id",
	"ext_ims_lis_memberships_url",
	"ext_ims_lti_tool_setting",
	"ext_ims_lti_tool_setting_id",
	"ext_ims_lti_tool_setting_url",
}

// ResourceLink is one placement of the tool: a (consumer, resource_link_id)
// pair. The legacy "Context" terminology refers to the same entity.
type ResourceLink struct {
	ConsumerKey string
	ID          string // external resource_link_id
	ContextID   string
	Title       string

	// Settings holds the tracked LTI settings plus every custom_* parameter
	// from the most recent launch.
	Settings map[string]string

	GroupSets map[string]GroupSet
	Groups    map[string]Group

	// When set, launches against this link are redirected to the primary link.
	PrimaryConsumerKey    string
	PrimaryResourceLinkID string
	ShareApproved         *bool

	Created *time.Time
	Updated *time.Time
}

// GroupSet is a named collection of group ids reported by the consumer.
type GroupSet struct {
	Title  string
	Groups []string
}

// Group is a single group reported by the consumer.
type Group struct {
	Title string
	Set   string
}

// Setting returns the named setting, or def when unset.
func (r *ResourceLink) Setting(name string, def ...string) string {
	if v, ok := r.Settings[name]; ok {
		return v
	}
	if len(def) > 0 {
		return def[0]
	}
	return ""
}

// SetSetting stores value under name; an empty value removes the setting.
func (r *ResourceLink) SetSetting(name, value string) {
	if r.Settings == nil {
		r.Settings = map[string]string{}
	}
	if value == "" {
		delete(r.Settings, name)
		return
	}
	r.Settings[name] = value
}

// IsShared reports whether this link points at a primary link.
func (r *ResourceLink) IsShared() bool {
	return r.PrimaryConsumerKey != "" && r.PrimaryResourceLinkID != ""
}

func (r *ResourceLink) hasService(urlSetting string) bool {
	return r.Setting(urlSetting) != ""
}

// HasOutcomesService reports whether either outcomes endpoint was advertised.
func (r *ResourceLink) HasOutcomesService() bool {
	return r.hasService("lis_outcome_service_url") || r.hasService("ext_ims_lis_basic_outcome_url")
}

// HasMembershipsService reports whether the memberships extension was advertised.
func (r *ResourceLink) HasMembershipsService() bool {
	return r.hasService("ext_ims_lis_memberships_url")
}

// HasSettingService reports whether the tool-setting extension was advertised.
func (r *ResourceLink) HasSettingService() bool {
	return r.hasService("ext_ims_lti_tool_setting_url")
}

// User is a person within one placement, keyed by the consumer-reported user id.
type User struct {
	ConsumerKey    string
	ResourceLinkID string
	ID             string // external user id

	FirstName string
	LastName  string
	FullName  string
	Email     string

	Roles  []string
	Groups []string

	// ResultSourcedID correlates outcome reports with the consumer's grade
	// book. Users are only persisted while this is non-empty.
	ResultSourcedID string

	Created *time.Time
	Updated *time.Time

	link *ResourceLink
}

// NewUser returns a user bound to the given resource link.
func NewUser(link *ResourceLink, id string) *User {
	return &User{
		ConsumerKey:    link.ConsumerKey,
		ResourceLinkID: link.ID,
		ID:             id,
		link:           link,
	}
}

// ResourceLink returns the placement this user belongs to.
func (u *User) ResourceLink() *ResourceLink { return u.link }

// ScopedID qualifies the external user id per the requested scope.
func (u *User) ScopedID(scope IDScope) string {
	switch scope {
	case ScopeGlobal:
		return u.ConsumerKey + scopeSeparator + u.ID
	case ScopeContext:
		ctx := ""
		if u.link != nil {
			ctx = u.link.ContextID
		}
		return u.ConsumerKey + scopeSeparator + ctx + scopeSeparator + u.ID
	case ScopeResource:
		return u.ConsumerKey + scopeSeparator + u.ResourceLinkID + scopeSeparator + u.ID
	default:
		return u.ID
	}
}

// SetNames derives first/last/full name from the launch parameters. A missing
// first name defaults to "User", a missing last name to the external user id.
func (u *User) SetNames(first, last, full string) {
	fullFirst, fullLast := "", ""
	if trimmed := strings.TrimSpace(full); trimmed != "" {
		if i := strings.IndexFunc(trimmed, unicode.IsSpace); i >= 0 {
			fullFirst = trimmed[:i]
			fullLast = strings.TrimLeftFunc(trimmed[i:], unicode.IsSpace)
		} else {
			fullFirst = trimmed
		}
	}
	switch {
	case first != "":
		u.FirstName = first
	case fullFirst != "":
		u.FirstName = fullFirst
	default:
		u.FirstName = "User"
	}
	switch {
	case last != "":
		u.LastName = last
	case fullLast != "":
		u.LastName = fullLast
	default:
		u.LastName = u.ID
	}
	if full != "" {
		u.FullName = full
	} else {
		u.FullName = u.FirstName + " " + u.LastName
	}
}

// SetEmail applies the launch email, falling back to def. A def beginning with
// "@" is treated as a domain and prefixed with the external user id.
func (u *User) SetEmail(email, def string) {
	if email != "" {
		u.Email = email
		return
	}
	if def == "" {
		u.Email = ""
		return
	}
	if strings.HasPrefix(def, "@") {
		u.Email = u.ID + def
		return
	}
	u.Email = def
}

// SetRoles parses the comma-separated role string from a launch. Entries
// without a urn: prefix are qualified as urn:lti:role:ims/lis/<entry>.
func (u *User) SetRoles(roles string) {
	u.Roles = nil
	for _, r := range strings.Split(roles, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.HasPrefix(r, "urn:") {
			r = "urn:lti:role:ims/lis/" + r
		}
		u.Roles = append(u.Roles, r)
	}
}

// HasRole reports whether the user's role list contains the role, which may be
// given unqualified.
func (u *User) HasRole(role string) bool {
	if !strings.HasPrefix(role, "urn:") {
		role = "urn:lti:role:ims/lis/" + role
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsLearner reports whether the user launched with a learner/student role.
func (u *User) IsLearner() bool {
	return u.HasRole("Learner") || u.HasRole("Student")
}

// IsStaff reports whether the user launched with an instructor-type role.
func (u *User) IsStaff() bool {
	return u.HasRole("Instructor") || u.HasRole("ContentDeveloper") || u.HasRole("TeachingAssistant")
}

// IsAdmin reports whether the user launched with an administrator role.
func (u *User) IsAdmin() bool {
	return u.HasRole("Administrator") || u.HasRole("urn:lti:sysrole:ims/lis/SysAdmin") ||
		u.HasRole("urn:lti:sysrole:ims/lis/Administrator") || u.HasRole("urn:lti:instrole:ims/lis/Administrator")
}

// Nonce records one accepted oauth_nonce for replay prevention.
type Nonce struct {
	ConsumerKey string
	Value       string
	Expires     time.Time
}

// NonceLifetime is the replay-detection window.
const NonceLifetime = 30 * time.Minute

// Share key issuance bounds.
const (
	ShareKeyMinLength    = 5
	ShareKeyMaxLength    = 32
	ShareKeyMaxLifeHours = 168
)

// ShareKey grants one secondary resource link permission to redirect into the
// primary link it was minted for. Keys are single-use.
type ShareKey struct {
	Value                 string
	PrimaryConsumerKey    string
	PrimaryResourceLinkID string
	AutoApprove           bool
	Expires               time.Time
}

// Valid reports whether the key is usable at time now.
func (k *ShareKey) Valid(now time.Time) bool {
	return k.Value != "" && now.Before(k.Expires)
}

// Share is a read-only projection of one secondary link pointing at a primary.
type Share struct {
	ConsumerKey    string
	ResourceLinkID string
	Title          string
	Approved       bool
}

// Outcome value types.
const (
	TypeDecimal      = "decimal"
	TypePercentage   = "percentage"
	TypeRatio        = "ratio"
	TypeLetterAF     = "letteraf"
	TypeLetterAFPlus = "letterafplus"
	TypePassFail     = "passfail"
	TypeText         = "freetext"
)

// Outcome is a transient grade/result value exchanged with the consumer's
// outcomes service. It is never persisted here.
type Outcome struct {
	Type       string
	Value      string
	Language   string
	Status     string
	Date       string
	DataSource string
}

// NewOutcome returns an outcome of the given type; an empty typ means decimal.
func NewOutcome(typ, value string) *Outcome {
	if typ == "" {
		typ = TypeDecimal
	}
	return &Outcome{Type: typ, Value: value, Language: "en-US"}
}

func (o *Outcome) String() string {
	return fmt.Sprintf("%s(%s)", o.Type, o.Value)
}
