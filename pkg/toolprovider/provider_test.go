package toolprovider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"
)

/* ---------------- In-memory fake satisfying Store ---------------- */

type fakeStore struct {
	consumers map[string]Consumer
	links     map[string]ResourceLink
	users     map[string]User
	nonces    map[string]time.Time
	shareKeys map[string]ShareKey

	savedLinks int
	savedUsers int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		consumers: map[string]Consumer{},
		links:     map[string]ResourceLink{},
		users:     map[string]User{},
		nonces:    map[string]time.Time{},
		shareKeys: map[string]ShareKey{},
	}
}

func linkKey(consumerKey, id string) string { return consumerKey + "|" + id }

func userKey(consumerKey, linkID, userID string) string {
	return fmt.Sprintf("%s|%s|%s", consumerKey, linkID, userID)
}

func (s *fakeStore) LoadConsumer(_ context.Context, key string) (Consumer, error) {
	c, ok := s.consumers[key]
	if !ok {
		return Consumer{}, ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) SaveConsumer(_ context.Context, c *Consumer) error {
	s.consumers[c.Key] = *c
	return nil
}

func (s *fakeStore) DeleteConsumer(_ context.Context, key string) error {
	delete(s.consumers, key)
	return nil
}

func (s *fakeStore) ListConsumers(_ context.Context) ([]Consumer, error) {
	var out []Consumer
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) LoadResourceLink(_ context.Context, consumerKey, id string) (ResourceLink, error) {
	l, ok := s.links[linkKey(consumerKey, id)]
	if !ok {
		return ResourceLink{}, ErrNotFound
	}
	return l, nil
}

func (s *fakeStore) SaveResourceLink(_ context.Context, l *ResourceLink) error {
	s.links[linkKey(l.ConsumerKey, l.ID)] = *l
	s.savedLinks++
	return nil
}

func (s *fakeStore) DeleteResourceLink(_ context.Context, consumerKey, id string) error {
	delete(s.links, linkKey(consumerKey, id))
	return nil
}

func (s *fakeStore) ListShares(_ context.Context, consumerKey, id string) ([]Share, error) {
	var out []Share
	for _, l := range s.links {
		if l.PrimaryConsumerKey == consumerKey && l.PrimaryResourceLinkID == id {
			approved := l.ShareApproved != nil && *l.ShareApproved
			out = append(out, Share{ConsumerKey: l.ConsumerKey, ResourceLinkID: l.ID, Title: l.Title, Approved: approved})
		}
	}
	return out, nil
}

func (s *fakeStore) ListUsersWithResults(_ context.Context, consumerKey, id string) ([]User, error) {
	var out []User
	for _, u := range s.users {
		if u.ConsumerKey == consumerKey && u.ResourceLinkID == id && u.ResultSourcedID != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeStore) LoadUser(_ context.Context, consumerKey, linkID, userID string) (User, error) {
	u, ok := s.users[userKey(consumerKey, linkID, userID)]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) SaveUser(_ context.Context, u *User) error {
	s.users[userKey(u.ConsumerKey, u.ResourceLinkID, u.ID)] = *u
	s.savedUsers++
	return nil
}

func (s *fakeStore) DeleteUser(_ context.Context, u *User) error {
	delete(s.users, userKey(u.ConsumerKey, u.ResourceLinkID, u.ID))
	return nil
}

func (s *fakeStore) InsertNonce(_ context.Context, consumerKey, value string, expires time.Time) (bool, error) {
	k := consumerKey + "|" + value
	if exp, ok := s.nonces[k]; ok && time.Now().Before(exp) {
		return false, nil
	}
	s.nonces[k] = expires
	return true, nil
}

func (s *fakeStore) LoadShareKey(_ context.Context, value string) (ShareKey, error) {
	k, ok := s.shareKeys[value]
	if !ok {
		return ShareKey{}, ErrNotFound
	}
	return k, nil
}

func (s *fakeStore) SaveShareKey(_ context.Context, k *ShareKey) error {
	s.shareKeys[k.Value] = *k
	return nil
}

func (s *fakeStore) DeleteShareKey(_ context.Context, value string) error {
	delete(s.shareKeys, value)
	return nil
}

/* ---------------- Helpers ---------------- */

const (
	testKey    = "moodle.example"
	testSecret = "sesame"
	launchURL  = "https://tool.example/lti/launch"
)

func seedProvider(t *testing.T) (*Provider, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	now := time.Now()
	st.consumers[testKey] = Consumer{
		Key:     testKey,
		Secret:  testSecret,
		Name:    "Moodle",
		Enabled: true,
		IDScope: ScopeResource,
		Created: &now,
	}
	p := New(st)
	p.AllowSharing = true
	return p, st
}

// launchParams returns the minimum valid launch body for the test consumer.
func launchParams() url.Values {
	v := url.Values{}
	v.Set("lti_message_type", "basic-lti-launch-request")
	v.Set("lti_version", "LTI-1p0")
	v.Set("resource_link_id", "link-1")
	v.Set("context_id", "ctx-1")
	v.Set("context_title", "Biology 101")
	v.Set("resource_link_title", "Week 1 Quiz")
	v.Set("user_id", "42")
	v.Set("roles", "Learner")
	return v
}

// signedRequest OAuth-signs params for the test consumer.
func signedRequest(params url.Values) Request {
	signed := signParams(http.MethodPost, launchURL, params, testKey, testSecret, time.Now())
	return Request{Method: http.MethodPost, URL: launchURL, Params: signed}
}

func launch(t *testing.T, p *Provider, params url.Values) *Launch {
	t.Helper()
	return p.HandleLaunch(context.Background(), signedRequest(params))
}
