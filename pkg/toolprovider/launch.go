package toolprovider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is an immutable snapshot of one inbound launch: the HTTP method,
// the full request URL, and every POSTed parameter (OAuth and LTI alike).
type Request struct {
	Method string
	URL    string
	Params url.Values
}

// RequestFromHTTP captures an *http.Request into a Request. The form must
// already be parsed or parseable.
func RequestFromHTTP(r *http.Request, publicURL string) (Request, error) {
	if err := r.ParseForm(); err != nil {
		return Request{}, err
	}
	u := r.URL.String()
	if publicURL != "" {
		u = strings.TrimSuffix(publicURL, "/") + r.URL.RequestURI()
	}
	return Request{Method: r.Method, URL: u, Params: r.PostForm}, nil
}

// ParameterConstraint is a caller-registered shape check applied to one
// launch parameter. MaxLength 0 means unlimited.
type ParameterConstraint struct {
	Name      string
	Required  bool
	MaxLength int
}

// Launch is the outcome of validating one launch request. On success the
// Consumer, ResourceLink and User fields hold the synchronized model; after
// share resolution ResourceLink is the effective (possibly primary) link.
type Launch struct {
	Request Request

	Consumer     *Consumer
	ResourceLink *ResourceLink
	User         *User

	ReturnURL string
	Debug     bool

	OK     bool
	Kind   ErrorKind
	Reason string
}

func (l *Launch) fail(e *Error) *Launch {
	l.OK = false
	l.Kind = e.Kind
	l.Reason = e.Reason
	return l
}

// ErrorMessage returns the text to show the far end: the detailed reason in
// debug mode, a generic message otherwise.
func (l *Launch) ErrorMessage() string {
	if l.OK {
		return ""
	}
	if l.Debug && l.Reason != "" {
		return l.Reason
	}
	return genericErrorMessage
}

// Provider validates launches and performs extension-service calls against a
// Store. One Provider serves any number of concurrent requests.
type Provider struct {
	Store Store
	HTTP  *http.Client
	Log   *slog.Logger

	// AllowConsumerCreation provisions a disabled Consumer record on first
	// sight of an unknown key instead of rejecting the launch.
	AllowConsumerCreation bool

	// AllowSharing permits launches to present custom_share_key.
	AllowSharing bool

	// DefaultEmail seeds the default email of auto-provisioned consumers.
	// An address is used verbatim; "@domain" synthesizes <userId>@domain.
	DefaultEmail string

	Constraints []ParameterConstraint

	Now func() time.Time
}

// New returns a Provider with sensible defaults: a 15s HTTP client for
// outbound service calls and the wall clock.
func New(store Store) *Provider {
	return &Provider{
		Store: store,
		HTTP:  &http.Client{Timeout: 15 * time.Second},
		Log:   slog.Default(),
		Now:   time.Now,
	}
}

// AddConstraint registers a parameter constraint checked on every launch.
func (p *Provider) AddConstraint(name string, required bool, maxLength int) {
	p.Constraints = append(p.Constraints, ParameterConstraint{Name: name, Required: required, MaxLength: maxLength})
}

func (p *Provider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// HandleLaunch runs the full validation pipeline. Every failure is terminal
// for the request; the returned Launch reports the first failing gate.
func (p *Provider) HandleLaunch(ctx context.Context, req Request) *Launch {
	l := &Launch{Request: req}
	l.ReturnURL = req.Params.Get("launch_presentation_return_url")
	l.Debug = req.Params.Get("custom_debug") == "true"

	steps := []func(context.Context, *Launch) *Error{
		p.checkParameters,
		p.resolveConsumer,
		p.checkAvailability,
		p.checkSignature,
		p.checkConstraints,
		p.syncEntities,
		p.resolveShare,
	}
	for _, step := range steps {
		if e := step(ctx, l); e != nil {
			p.Log.Warn("launch rejected",
				"kind", string(e.Kind),
				"reason", e.Reason,
				"consumer", req.Params.Get("oauth_consumer_key"))
			return l.fail(e)
		}
	}
	l.OK = true
	return l
}

func (p *Provider) checkParameters(_ context.Context, l *Launch) *Error {
	q := l.Request.Params
	if q.Get("oauth_consumer_key") == "" {
		return failf(KindInvalidLaunch, "missing oauth_consumer_key")
	}
	if mt := q.Get("lti_message_type"); mt != "basic-lti-launch-request" {
		return failf(KindInvalidLaunch, "invalid or missing lti_message_type %q", mt)
	}
	if v := q.Get("lti_version"); v != LTIVersion1 {
		return failf(KindInvalidLaunch, "invalid or missing lti_version %q", v)
	}
	if q.Get("resource_link_id") == "" {
		return failf(KindInvalidLaunch, "missing resource_link_id")
	}
	return nil
}

func (p *Provider) resolveConsumer(ctx context.Context, l *Launch) *Error {
	key := l.Request.Params.Get("oauth_consumer_key")
	c, err := p.Store.LoadConsumer(ctx, key)
	switch {
	case err == nil:
		l.Consumer = &c
		return nil
	case errors.Is(err, ErrNotFound):
		if !p.AllowConsumerCreation {
			return failf(KindUnknownConsumer, "consumer key %q not recognised", key)
		}
		// Auto-provision a disabled record; an administrator must enable
		// it (and set the secret) before launches succeed.
		now := p.now()
		c = Consumer{Key: key, Name: key, Enabled: false, DefaultEmail: p.DefaultEmail, Created: &now, Updated: &now}
		if err := p.Store.SaveConsumer(ctx, &c); err != nil {
			return failf(KindStorage, "save consumer: %v", err)
		}
		l.Consumer = &c
		return nil
	default:
		return failf(KindStorage, "load consumer: %v", err)
	}
}

func (p *Provider) checkAvailability(_ context.Context, l *Launch) *Error {
	c := l.Consumer
	now := p.now()
	switch {
	case !c.Enabled:
		return failf(KindConsumerDisabled, "consumer %q has not been enabled", c.Key)
	case c.EnableFrom != nil && now.Before(*c.EnableFrom):
		return failf(KindConsumerNotYetAvailable, "consumer %q not available until %s", c.Key, c.EnableFrom.Format(time.RFC3339))
	case c.EnableUntil != nil && !now.Before(*c.EnableUntil):
		return failf(KindConsumerExpired, "consumer %q access expired at %s", c.Key, c.EnableUntil.Format(time.RFC3339))
	}
	if c.Protected {
		guid := l.Request.Params.Get("tool_consumer_instance_guid")
		// First-seen GUID becomes the pin; only presence is required until
		// one has been recorded.
		if guid == "" || (c.ConsumerGUID != "" && c.ConsumerGUID != guid) {
			return failf(KindUntrustedConsumer, "tool consumer instance not trusted for key %q", c.Key)
		}
	}
	return nil
}

func (p *Provider) checkSignature(ctx context.Context, l *Launch) *Error {
	return verifySignature(ctx, p.Store, l.Request.Method, l.Request.URL, l.Request.Params, l.Consumer, p.now())
}

func (p *Provider) checkConstraints(_ context.Context, l *Launch) *Error {
	var invalid []string
	for _, c := range p.Constraints {
		v := l.Request.Params.Get(c.Name)
		if (c.Required && v == "") || (c.MaxLength > 0 && len(v) > c.MaxLength) {
			invalid = append(invalid, c.Name)
		}
	}
	if len(invalid) > 0 {
		return failf(KindInvalidParameters, "invalid parameters: %s", strings.Join(invalid, ", "))
	}
	return nil
}

func (p *Provider) syncEntities(ctx context.Context, l *Launch) *Error {
	q := l.Request.Params
	c := l.Consumer
	now := p.now()

	rl, err := p.Store.LoadResourceLink(ctx, c.Key, q.Get("resource_link_id"))
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		rl = ResourceLink{ConsumerKey: c.Key, ID: q.Get("resource_link_id"), Created: &now}
	default:
		return failf(KindStorage, "load resource link: %v", err)
	}
	if ctxID := q.Get("context_id"); ctxID != "" {
		rl.ContextID = ctxID
	}
	rl.Title = launchTitle(q)

	for _, name := range ltiSettingNames {
		rl.SetSetting(name, q.Get(name))
	}
	// Stale custom parameters from a previous launch must not survive.
	for name := range rl.Settings {
		if strings.HasPrefix(name, "custom_") {
			delete(rl.Settings, name)
		}
	}
	for name := range q {
		if strings.HasPrefix(name, "custom_") {
			rl.SetSetting(name, q.Get(name))
		}
	}
	rl.Updated = &now
	l.ResourceLink = &rl

	if userID := q.Get("user_id"); userID != "" {
		u := NewUser(&rl, userID)
		u.SetNames(q.Get("lis_person_name_given"), q.Get("lis_person_name_family"), q.Get("lis_person_name_full"))
		u.SetEmail(q.Get("lis_person_contact_email_primary"), c.DefaultEmail)
		u.SetRoles(q.Get("roles"))
		u.ResultSourcedID = q.Get("lis_result_sourcedid")

		old, err := p.Store.LoadUser(ctx, c.Key, rl.ID, userID)
		known := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return failf(KindStorage, "load user: %v", err)
		}
		switch {
		case u.ResultSourcedID != "" && (!known || old.ResultSourcedID != u.ResultSourcedID):
			u.Created = &now
			if known {
				u.Created = old.Created
			}
			u.Updated = &now
			if err := p.Store.SaveUser(ctx, u); err != nil {
				return failf(KindStorage, "save user: %v", err)
			}
		case u.ResultSourcedID == "" && known && old.ResultSourcedID != "":
			if err := p.Store.DeleteUser(ctx, u); err != nil {
				return failf(KindStorage, "delete user: %v", err)
			}
		}
		l.User = u
	}

	// Refresh denormalized consumer metadata; persist once, whatever the
	// later gates decide.
	dirty := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			dirty = true
		}
	}
	set(&c.LTIVersion, q.Get("lti_version"))
	set(&c.Name, q.Get("tool_consumer_instance_name"))
	set(&c.ConsumerName, q.Get("tool_consumer_info_product_family_code"))
	set(&c.ConsumerVersion, q.Get("tool_consumer_info_version"))
	set(&c.CSSPath, q.Get("launch_presentation_css_url"))
	if c.ConsumerGUID == "" && q.Get("tool_consumer_instance_guid") != "" {
		c.ConsumerGUID = q.Get("tool_consumer_instance_guid")
		dirty = true
	}
	c.LastAccess = &now
	if dirty {
		c.Updated = &now
	}
	if err := p.Store.SaveConsumer(ctx, c); err != nil {
		return failf(KindStorage, "save consumer: %v", err)
	}
	return nil
}

// launchTitle joins context and resource-link titles, falling back to a
// synthesized course title.
func launchTitle(q url.Values) string {
	title := q.Get("context_title")
	if lt := q.Get("resource_link_title"); lt != "" {
		if title != "" {
			title += ": "
		}
		title += lt
	}
	if title == "" {
		title = "Course " + q.Get("resource_link_id")
	}
	return title
}
