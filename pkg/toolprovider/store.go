package toolprovider

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when an entity does not exist.
var ErrNotFound = errors.New("toolprovider: not found")

// ConsumerStore persists registered consumers.
type ConsumerStore interface {
	LoadConsumer(ctx context.Context, key string) (Consumer, error)
	SaveConsumer(ctx context.Context, c *Consumer) error
	DeleteConsumer(ctx context.Context, key string) error
	ListConsumers(ctx context.Context) ([]Consumer, error)
}

// ResourceLinkStore persists placements and their share projections.
type ResourceLinkStore interface {
	LoadResourceLink(ctx context.Context, consumerKey, id string) (ResourceLink, error)
	SaveResourceLink(ctx context.Context, l *ResourceLink) error
	DeleteResourceLink(ctx context.Context, consumerKey, id string) error

	// ListShares returns every secondary link currently pointing at the
	// given primary link.
	ListShares(ctx context.Context, consumerKey, id string) ([]Share, error)

	// ListUsersWithResults returns the users of a link that hold a
	// result sourced id, for membership reconciliation.
	ListUsersWithResults(ctx context.Context, consumerKey, id string) ([]User, error)
}

// UserStore persists launch users that carry a result sourced id.
type UserStore interface {
	LoadUser(ctx context.Context, consumerKey, resourceLinkID, userID string) (User, error)
	SaveUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, u *User) error
}

// NonceStore enforces oauth_nonce uniqueness per consumer.
type NonceStore interface {
	// InsertNonce records (consumerKey, value) with the given expiry. It
	// must be atomic: if an unexpired record already exists it returns
	// false and no error. Implementations may garbage-collect expired
	// nonces opportunistically.
	InsertNonce(ctx context.Context, consumerKey, value string, expires time.Time) (bool, error)
}

// ShareKeyStore persists single-use share keys.
type ShareKeyStore interface {
	LoadShareKey(ctx context.Context, value string) (ShareKey, error)
	SaveShareKey(ctx context.Context, k *ShareKey) error
	DeleteShareKey(ctx context.Context, value string) error
}

// Store aggregates every persistence contract the engine needs. Concrete
// backends live outside the protocol core; see the sqlstore subpackage.
type Store interface {
	ConsumerStore
	ResourceLinkStore
	UserStore
	NonceStore
	ShareKeyStore
}
