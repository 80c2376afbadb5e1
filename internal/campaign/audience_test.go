package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSubscriber(t *testing.T, store *memStore, mutate func(*Subscriber)) *Subscriber {
	t.Helper()
	sub := &Subscriber{
		ID:     uuid.New(),
		Email:  uuid.NewString() + "@example.com",
		Status: SubscriberSubscribed,
		Preferences: Preferences{
			Newsletter:    true,
			Promotional:   true,
			Announcements: true,
			WeeklyDigest:  true,
		},
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, store.CreateSubscriber(context.Background(), sub))
	return sub
}

func TestResolveFiltersStatusAndPreference(t *testing.T) {
	store := newMemStore()
	subscribed := seedSubscriber(t, store, nil)
	seedSubscriber(t, store, func(s *Subscriber) { s.Status = SubscriberUnsubscribed })
	seedSubscriber(t, store, func(s *Subscriber) { s.Status = SubscriberBounced })
	seedSubscriber(t, store, func(s *Subscriber) { s.Status = SubscriberComplained })
	seedSubscriber(t, store, func(s *Subscriber) { s.Preferences.Newsletter = false })

	r := NewAudienceResolver(store)
	c := testCampaign()
	c.Audience = AudienceSpec{Type: "all"}

	subs, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, subscribed.ID, subs[0].ID)
}

func TestResolveRoleFilter(t *testing.T) {
	store := newMemStore()
	admin := seedSubscriber(t, store, func(s *Subscriber) { s.Role = "admin" })
	seedSubscriber(t, store, func(s *Subscriber) { s.Role = "member" })

	r := NewAudienceResolver(store)
	c := testCampaign()
	c.Audience = AudienceSpec{Type: "segment", Roles: []string{"admin"}}

	subs, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, admin.ID, subs[0].ID)
}

func TestResolveLocationEntriesAreORed(t *testing.T) {
	store := newMemStore()
	austin := seedSubscriber(t, store, func(s *Subscriber) { s.City = "Austin"; s.State = "TX" })
	denver := seedSubscriber(t, store, func(s *Subscriber) { s.City = "Denver"; s.State = "CO" })
	seedSubscriber(t, store, func(s *Subscriber) { s.City = "Boston"; s.State = "MA" })

	r := NewAudienceResolver(store)
	c := testCampaign()
	c.Audience = AudienceSpec{
		Type:      "segment",
		Locations: []Location{{City: "austin"}, {City: "DENVER"}},
	}

	subs, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	ids := map[uuid.UUID]bool{subs[0].ID: true, subs[1].ID: true}
	assert.True(t, ids[austin.ID])
	assert.True(t, ids[denver.ID])
}

func TestResolveLocationFieldsAreANDed(t *testing.T) {
	store := newMemStore()
	match := seedSubscriber(t, store, func(s *Subscriber) { s.City = "Springfield"; s.State = "IL" })
	seedSubscriber(t, store, func(s *Subscriber) { s.City = "Springfield"; s.State = "MA" })

	r := NewAudienceResolver(store)
	c := testCampaign()
	c.Audience = AudienceSpec{
		Type:      "segment",
		Locations: []Location{{City: "Springfield", State: "IL"}},
	}

	subs, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, match.ID, subs[0].ID)
}

func TestResolveActivityBoundsAreANDed(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	recent := now.Add(-24 * time.Hour)
	stale := now.Add(-90 * 24 * time.Hour)
	registered := now.Add(-60 * 24 * time.Hour)

	active := seedSubscriber(t, store, func(s *Subscriber) {
		s.LastActiveAt = &recent
		s.RegisteredAt = registered
	})
	// Active recently but registered outside the window.
	seedSubscriber(t, store, func(s *Subscriber) {
		s.LastActiveAt = &recent
		s.RegisteredAt = now.Add(-400 * 24 * time.Hour)
	})
	// Registered in the window but dormant.
	seedSubscriber(t, store, func(s *Subscriber) {
		s.LastActiveAt = &stale
		s.RegisteredAt = registered
	})
	// Never active at all.
	seedSubscriber(t, store, func(s *Subscriber) {
		s.RegisteredAt = registered
	})

	after := now.Add(-365 * 24 * time.Hour)
	before := now.Add(-30 * 24 * time.Hour)

	r := NewAudienceResolver(store)
	c := testCampaign()
	c.Audience = AudienceSpec{
		Type: "segment",
		ActivityFilter: &ActivityFilter{
			LastActiveWithin: 30 * 24 * time.Hour,
			RegisteredAfter:  &after,
			RegisteredBefore: &before,
		},
	}

	subs, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, active.ID, subs[0].ID)
}

func TestResolveManualListWithExclusions(t *testing.T) {
	store := newMemStore()
	a := seedSubscriber(t, store, nil)
	b := seedSubscriber(t, store, nil)
	seedSubscriber(t, store, nil) // not in the manual list

	r := NewAudienceResolver(store)
	c := testCampaign()
	c.Audience = AudienceSpec{
		Type:          "manual",
		SubscriberIDs: []uuid.UUID{a.ID, b.ID},
		ExcludeIDs:    []uuid.UUID{b.ID},
	}

	subs, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, a.ID, subs[0].ID)
}

func TestResolveManualIDsIgnoredForNonManualAudience(t *testing.T) {
	store := newMemStore()
	seedSubscriber(t, store, nil)
	seedSubscriber(t, store, nil)

	r := NewAudienceResolver(store)
	c := testCampaign()
	// Stale id lists on a non-manual audience must not narrow the result.
	c.Audience = AudienceSpec{Type: "all", SubscriberIDs: []uuid.UUID{uuid.New()}}

	subs, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestResolveEmptyAudience(t *testing.T) {
	store := newMemStore()
	seedSubscriber(t, store, func(s *Subscriber) { s.Status = SubscriberPending })

	r := NewAudienceResolver(store)
	c := testCampaign()
	c.Audience = AudienceSpec{Type: "all"}

	_, err := r.Resolve(context.Background(), c)
	assert.ErrorIs(t, err, ErrNoSubscribers)
}
