package campaign

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoSubscribers is returned when audience resolution matches nobody.
// Dispatch aborts before any state change.
var ErrNoSubscribers = errors.New("no subscribers match the campaign audience")

// AudienceResolver turns a campaign's audience spec into the concrete set of
// deliverable subscribers.
type AudienceResolver struct {
	subscribers SubscriberStore
}

// NewAudienceResolver creates a resolver over the subscriber store.
func NewAudienceResolver(subscribers SubscriberStore) *AudienceResolver {
	return &AudienceResolver{subscribers: subscribers}
}

// Resolve returns every subscriber that is subscribed, not deleted, opted in
// to the campaign's type, and matches all supplied filters. Roles, tags and
// manual id lists are set intersections; location entries are OR-ed; activity
// bounds are AND-ed. Returns ErrNoSubscribers on an empty result.
func (r *AudienceResolver) Resolve(ctx context.Context, c *Campaign) ([]*Subscriber, error) {
	q := SubscriberQuery{
		Statuses:       []SubscriberStatus{SubscriberSubscribed},
		PreferenceType: c.Type,
		Roles:          c.Audience.Roles,
		Locations:      c.Audience.Locations,
		Tags:           c.Audience.Tags,
		Activity:       c.Audience.ActivityFilter,
		ExcludeIDs:     c.Audience.ExcludeIDs,
	}
	if c.Audience.Type == "manual" && len(c.Audience.SubscriberIDs) > 0 {
		q.IncludeIDs = c.Audience.SubscriberIDs
	}

	subs, err := r.subscribers.FindSubscribers(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	if len(subs) == 0 {
		return nil, ErrNoSubscribers
	}
	return subs, nil
}
