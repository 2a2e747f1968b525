package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mind-engage/lti-tool-provider/internal/observability"
	"github.com/mind-engage/lti-tool-provider/pkg/toolprovider"
)

// memStore is a minimal in-memory toolprovider.Store for handler tests.
type memStore struct {
	consumers map[string]toolprovider.Consumer
	links     map[string]toolprovider.ResourceLink
	users     map[string]toolprovider.User
	nonces    map[string]time.Time
	shareKeys map[string]toolprovider.ShareKey
}

func newMemStore() *memStore {
	return &memStore{
		consumers: map[string]toolprovider.Consumer{},
		links:     map[string]toolprovider.ResourceLink{},
		users:     map[string]toolprovider.User{},
		nonces:    map[string]time.Time{},
		shareKeys: map[string]toolprovider.ShareKey{},
	}
}

func (s *memStore) LoadConsumer(_ context.Context, key string) (toolprovider.Consumer, error) {
	c, ok := s.consumers[key]
	if !ok {
		return toolprovider.Consumer{}, toolprovider.ErrNotFound
	}
	return c, nil
}

func (s *memStore) SaveConsumer(_ context.Context, c *toolprovider.Consumer) error {
	s.consumers[c.Key] = *c
	return nil
}

func (s *memStore) DeleteConsumer(_ context.Context, key string) error {
	delete(s.consumers, key)
	return nil
}

func (s *memStore) ListConsumers(_ context.Context) ([]toolprovider.Consumer, error) {
	var out []toolprovider.Consumer
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) LoadResourceLink(_ context.Context, consumerKey, id string) (toolprovider.ResourceLink, error) {
	l, ok := s.links[consumerKey+"|"+id]
	if !ok {
		return toolprovider.ResourceLink{}, toolprovider.ErrNotFound
	}
	return l, nil
}

func (s *memStore) SaveResourceLink(_ context.Context, l *toolprovider.ResourceLink) error {
	s.links[l.ConsumerKey+"|"+l.ID] = *l
	return nil
}

func (s *memStore) DeleteResourceLink(_ context.Context, consumerKey, id string) error {
	delete(s.links, consumerKey+"|"+id)
	return nil
}

func (s *memStore) ListShares(_ context.Context, consumerKey, id string) ([]toolprovider.Share, error) {
	return nil, nil
}

func (s *memStore) ListUsersWithResults(_ context.Context, consumerKey, id string) ([]toolprovider.User, error) {
	return nil, nil
}

func (s *memStore) LoadUser(_ context.Context, consumerKey, linkID, userID string) (toolprovider.User, error) {
	u, ok := s.users[consumerKey+"|"+linkID+"|"+userID]
	if !ok {
		return toolprovider.User{}, toolprovider.ErrNotFound
	}
	return u, nil
}

func (s *memStore) SaveUser(_ context.Context, u *toolprovider.User) error {
	s.users[u.ConsumerKey+"|"+u.ResourceLinkID+"|"+u.ID] = *u
	return nil
}

func (s *memStore) DeleteUser(_ context.Context, u *toolprovider.User) error {
	delete(s.users, u.ConsumerKey+"|"+u.ResourceLinkID+"|"+u.ID)
	return nil
}

func (s *memStore) InsertNonce(_ context.Context, consumerKey, value string, expires time.Time) (bool, error) {
	k := consumerKey + "|" + value
	if exp, ok := s.nonces[k]; ok && time.Now().Before(exp) {
		return false, nil
	}
	s.nonces[k] = expires
	return true, nil
}

func (s *memStore) LoadShareKey(_ context.Context, value string) (toolprovider.ShareKey, error) {
	k, ok := s.shareKeys[value]
	if !ok {
		return toolprovider.ShareKey{}, toolprovider.ErrNotFound
	}
	return k, nil
}

func (s *memStore) SaveShareKey(_ context.Context, k *toolprovider.ShareKey) error {
	s.shareKeys[k.Value] = *k
	return nil
}

func (s *memStore) DeleteShareKey(_ context.Context, value string) error {
	delete(s.shareKeys, value)
	return nil
}

func TestLaunchHandlerCountsSignatureRejections(t *testing.T) {
	st := newMemStore()
	now := time.Now()
	st.consumers["moodle.example"] = toolprovider.Consumer{
		Key:     "moodle.example",
		Secret:  "sesame",
		Enabled: true,
		Created: &now,
	}
	p := toolprovider.New(st)
	m := observability.NewMetrics()
	h := LaunchHandler(p, nil, "", m)

	// Well-formed launch body with no OAuth signature at all.
	form := url.Values{}
	form.Set("oauth_consumer_key", "moodle.example")
	form.Set("lti_message_type", "basic-lti-launch-request")
	form.Set("lti_version", "LTI-1p0")
	form.Set("resource_link_id", "link-1")

	r := httptest.NewRequest(http.MethodPost, "/lti/launch", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	if got := testutil.ToFloat64(m.SignatureRejections); got != 1 {
		t.Errorf("signature rejections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LaunchCounter.WithLabelValues("moodle.example", "signature_invalid")); got != 1 {
		t.Errorf("launch counter = %v, want 1", got)
	}

	// A missing-parameter rejection is counted by outcome but is not a
	// signature rejection.
	form.Del("resource_link_id")
	r = httptest.NewRequest(http.MethodPost, "/lti/launch", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	h(w, r)

	if got := testutil.ToFloat64(m.SignatureRejections); got != 1 {
		t.Errorf("signature rejections after invalid launch = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LaunchCounter.WithLabelValues("moodle.example", "invalid_launch")); got != 1 {
		t.Errorf("invalid_launch counter = %v, want 1", got)
	}
}
