package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorderFixture(t *testing.T) (*TrackingRecorder, *memStore, *Campaign, *Subscriber) {
	t.Helper()
	store := newMemStore()
	c := testCampaign()
	c.Links = Links{{URL: "https://shop.example.com/sale", Label: "Sale"}}
	require.NoError(t, store.CreateCampaign(context.Background(), c))
	sub := seedSubscriber(t, store, nil)
	return NewTrackingRecorder(store, store, store, store), store, c, sub
}

func TestRecordRejectsUnknownEventType(t *testing.T) {
	rec, _, c, sub := newRecorderFixture(t)
	_, err := rec.Record(context.Background(), c.ID, sub.ID, EventType("viewed"), EventMetadata{})
	assert.Error(t, err)
}

func TestRecordOpenDedup(t *testing.T) {
	rec, store, c, sub := newRecorderFixture(t)
	ctx := context.Background()

	first, err := rec.Record(ctx, c.ID, sub.ID, EventOpened, EventMetadata{})
	require.NoError(t, err)
	assert.True(t, first.IsUnique)

	second, err := rec.Record(ctx, c.ID, sub.ID, EventOpened, EventMetadata{})
	require.NoError(t, err)
	assert.False(t, second.IsUnique)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Analytics.Opened)
	assert.Equal(t, 1, got.Analytics.UniqueOpens)

	updated, err := store.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Engagement.TotalOpens)
	assert.NotNil(t, updated.Engagement.LastOpenedAt)
}

func TestRecordSentNeverDeduped(t *testing.T) {
	rec, store, c, sub := newRecorderFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e, err := rec.Record(ctx, c.ID, sub.ID, EventSent, EventMetadata{})
		require.NoError(t, err)
		assert.True(t, e.IsUnique, "sent events are always unique")
	}

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Analytics.Sent)
}

func TestRecordClickCounters(t *testing.T) {
	rec, store, c, sub := newRecorderFixture(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, c.ID, sub.ID, EventClicked,
		EventMetadata{LinkURL: "https://shop.example.com/sale"})
	require.NoError(t, err)
	_, err = rec.Record(ctx, c.ID, sub.ID, EventClicked,
		EventMetadata{LinkURL: "https://shop.example.com/sale"})
	require.NoError(t, err)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Analytics.Clicked)
	assert.Equal(t, 1, got.Analytics.UniqueClicks)
	assert.Equal(t, 2, got.Links[0].Clicks)
}

func TestRecordHardBounceSticky(t *testing.T) {
	rec, store, c, sub := newRecorderFixture(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, c.ID, sub.ID, EventBounced,
		EventMetadata{BounceType: BounceHard, BounceReason: "mailbox does not exist"})
	require.NoError(t, err)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Analytics.Bounced)
	assert.Equal(t, 1, got.Analytics.HardBounced)
	assert.Equal(t, 0, got.Analytics.SoftBounced)

	updated, err := store.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, SubscriberBounced, updated.Status)
}

func TestRecordThirdSoftBounceSticky(t *testing.T) {
	rec, store, c, sub := newRecorderFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := rec.Record(ctx, c.ID, sub.ID, EventBounced,
			EventMetadata{BounceType: BounceSoft})
		require.NoError(t, err)
		updated, err := store.GetSubscriber(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, SubscriberSubscribed, updated.Status, "two soft bounces stay subscribed")
	}

	_, err := rec.Record(ctx, c.ID, sub.ID, EventBounced,
		EventMetadata{BounceType: BounceSoft})
	require.NoError(t, err)

	updated, err := store.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, SubscriberBounced, updated.Status)
	assert.Equal(t, 3, updated.BounceInfo.Count)
}

func TestRecordBounceDefaultsToSoft(t *testing.T) {
	rec, store, c, sub := newRecorderFixture(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, c.ID, sub.ID, EventBounced, EventMetadata{})
	require.NoError(t, err)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Analytics.SoftBounced)
}

func TestRecordComplaint(t *testing.T) {
	rec, store, c, sub := newRecorderFixture(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, c.ID, sub.ID, EventComplained, EventMetadata{})
	require.NoError(t, err)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Analytics.Complained)

	updated, err := store.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, SubscriberComplained, updated.Status)
}

func TestRecordUnsubscribeDoesNotOverwriteComplaint(t *testing.T) {
	rec, store, c, sub := newRecorderFixture(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, c.ID, sub.ID, EventComplained, EventMetadata{})
	require.NoError(t, err)

	_, err = rec.Record(ctx, c.ID, sub.ID, EventUnsubscribed, EventMetadata{})
	require.NoError(t, err)

	updated, err := store.GetSubscriber(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, SubscriberComplained, updated.Status)

	// The unsubscribe is still recorded against the campaign.
	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Analytics.Unsubscribed)
}

func TestRecordUpdatesDailyStats(t *testing.T) {
	rec, store, c, sub := newRecorderFixture(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, c.ID, sub.ID, EventSent, EventMetadata{})
	require.NoError(t, err)
	_, err = rec.Record(ctx, c.ID, sub.ID, EventOpened, EventMetadata{})
	require.NoError(t, err)

	stat, err := store.GetDailyStat(ctx, time.Now(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stat.Sent)
	assert.Equal(t, 1, stat.Opened)
	assert.Equal(t, UTCMidnight(time.Now()), stat.StatDate)
}

func TestRecordUnknownSubscriberFails(t *testing.T) {
	rec, _, c, _ := newRecorderFixture(t)

	_, err := rec.Record(context.Background(), c.ID, uuid.New(), EventOpened, EventMetadata{})
	assert.Error(t, err)
}
