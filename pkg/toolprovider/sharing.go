package toolprovider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sharing lets a secondary resource link borrow the grade book and context of
// a primary one. A launch opts in by presenting custom_share_key; the key is
// minted by an administrator of the primary link, consumed on first use, and
// the arrangement persists as a pointer on the secondary link.

// MintShareKey creates and persists a share key for the given primary link.
// Length is clamped to [5,32] (default 32) and life to [0,168] hours
// (default 24).
func (p *Provider) MintShareKey(ctx context.Context, primary *ResourceLink, length, lifeHours int, autoApprove bool) (ShareKey, error) {
	if length <= 0 {
		length = ShareKeyMaxLength
	}
	if length < ShareKeyMinLength {
		length = ShareKeyMinLength
	}
	if length > ShareKeyMaxLength {
		length = ShareKeyMaxLength
	}
	if lifeHours <= 0 {
		lifeHours = 24
	}
	if lifeHours > ShareKeyMaxLifeHours {
		lifeHours = ShareKeyMaxLifeHours
	}
	value := strings.ReplaceAll(uuid.NewString(), "-", "")[:length]
	k := ShareKey{
		Value:                 value,
		PrimaryConsumerKey:    primary.ConsumerKey,
		PrimaryResourceLinkID: primary.ID,
		AutoApprove:           autoApprove,
		Expires:               p.now().Add(time.Duration(lifeHours) * time.Hour),
	}
	if err := p.Store.SaveShareKey(ctx, &k); err != nil {
		return ShareKey{}, err
	}
	return k, nil
}

// ApproveShare sets the approval flag on a pending secondary link.
func (p *Provider) ApproveShare(ctx context.Context, consumerKey, resourceLinkID string, approved bool) error {
	rl, err := p.Store.LoadResourceLink(ctx, consumerKey, resourceLinkID)
	if err != nil {
		return err
	}
	if !rl.IsShared() {
		return errors.New("resource link has no sharing arrangement")
	}
	rl.ShareApproved = &approved
	now := p.now()
	rl.Updated = &now
	return p.Store.SaveResourceLink(ctx, &rl)
}

// resolveShare is the final pipeline gate. It decides whether the launch
// proceeds standalone or against a primary link, consuming any presented
// share key, and performs the closing resource-link persistence. After it
// returns nil, l.ResourceLink is never a dangling pointer: either the
// standalone link or the fully loaded primary.
func (p *Provider) resolveShare(ctx context.Context, l *Launch) *Error {
	rl := l.ResourceLink
	keyValue := l.Request.Params.Get("custom_share_key")

	if keyValue == "" {
		if rl.IsShared() {
			return failf(KindSharingRefused, "you have not requested to share a resource link but an arrangement is currently in place")
		}
		// Standalone launch: the closing persist.
		if err := p.Store.SaveResourceLink(ctx, rl); err != nil {
			return failf(KindStorage, "save resource link: %v", err)
		}
		return nil
	}

	if !p.AllowSharing {
		return failf(KindSharingRefused, "your sharing request has been refused because sharing is not being permitted")
	}

	secondarySaved := false
	k, err := p.Store.LoadShareKey(ctx, keyValue)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return failf(KindStorage, "load share key: %v", err)
	}
	if err == nil && k.Valid(p.now()) {
		// A fresh, unconsumed key: adopt the arrangement and consume it.
		if k.PrimaryConsumerKey == rl.ConsumerKey && k.PrimaryResourceLinkID == rl.ID {
			return failf(KindSharingSelfReference, "it is not possible to share your resource link with yourself")
		}
		rl.PrimaryConsumerKey = k.PrimaryConsumerKey
		rl.PrimaryResourceLinkID = k.PrimaryResourceLinkID
		approved := k.AutoApprove
		rl.ShareApproved = &approved
		now := p.now()
		rl.Updated = &now
		if err := p.Store.SaveResourceLink(ctx, rl); err != nil {
			return failf(KindStorage, "save resource link: %v", err)
		}
		secondarySaved = true
		if err := p.Store.DeleteShareKey(ctx, keyValue); err != nil {
			return failf(KindStorage, "delete share key: %v", err)
		}
	}

	// A consumed key on a later launch falls through to the arrangement it
	// established; a key that never resolved and no arrangement is a dead end.
	if !rl.IsShared() {
		return failf(KindSharingUnresolvable, "you have requested to share a resource link but the share key is not valid")
	}

	if _, err := p.Store.LoadConsumer(ctx, rl.PrimaryConsumerKey); err != nil {
		return failf(KindSharingUnresolvable, "unable to load shared resource link: %v", err)
	}
	primary, err := p.Store.LoadResourceLink(ctx, rl.PrimaryConsumerKey, rl.PrimaryResourceLinkID)
	if err != nil {
		return failf(KindSharingUnresolvable, "unable to load shared resource link: %v", err)
	}

	if rl.ShareApproved == nil || !*rl.ShareApproved {
		return failf(KindSharingPending, "your sharing request is waiting to be approved")
	}

	if !secondarySaved {
		if err := p.Store.SaveResourceLink(ctx, rl); err != nil {
			return failf(KindStorage, "save resource link: %v", err)
		}
	}
	// Swap the in-memory reference to the primary for the rest of the request.
	l.ResourceLink = &primary
	if l.User != nil {
		l.User.link = &primary
	}
	return nil
}
