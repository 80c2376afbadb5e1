package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/esp"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
)

// fakeTransport records sends and can fail selectively.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	failAll bool
	fail    map[string]bool
	onSend  func(*esp.Message)
}

func (f *fakeTransport) Send(_ context.Context, msg *esp.Message) (*esp.Result, error) {
	f.mu.Lock()
	onSend := f.onSend
	failed := f.failAll || f.fail[msg.To]
	if !failed {
		f.sent = append(f.sent, msg.To)
	}
	f.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	if failed {
		return &esp.Result{Success: false, Error: "rejected"}, nil
	}
	return &esp.Result{Success: true, MessageID: uuid.NewString()}, nil
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeLease is an in-process lease with optional shared ownership state so
// tests can simulate a competing dispatch.
type fakeLease struct {
	mu   *sync.Mutex
	held *bool
}

func (l *fakeLease) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if *l.held {
		return false, nil
	}
	*l.held = true
	return true, nil
}

func (l *fakeLease) Extend(context.Context) error { return nil }

func (l *fakeLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.held = false
	return nil
}

func fakeLeaseFactory() LeaseFactory {
	var mu sync.Mutex
	held := map[string]*bool{}
	return func(key string, _ time.Duration) distlock.Lease {
		mu.Lock()
		defer mu.Unlock()
		h, ok := held[key]
		if !ok {
			h = new(bool)
			held[key] = h
		}
		return &fakeLease{mu: &mu, held: h}
	}
}

type dispatchFixture struct {
	store      *memStore
	transport  *fakeTransport
	leases     LeaseFactory
	dispatcher *Dispatcher
}

func newDispatchFixture(t *testing.T, batchSize int) *dispatchFixture {
	t.Helper()
	store := newMemStore()
	transport := &fakeTransport{}
	leases := fakeLeaseFactory()
	personalizer := NewContentPersonalizer("https://mail.example.com")
	recorder := NewTrackingRecorder(store, store, store, store)
	dispatcher := NewDispatcher(store, store, NewAudienceResolver(store), personalizer,
		transport, recorder, leases, DispatcherConfig{
			BatchSize:   batchSize,
			BatchDelay:  time.Millisecond,
			SendTimeout: time.Second,
			LeaseTTL:    time.Minute,
		})
	return &dispatchFixture{store: store, transport: transport, leases: leases, dispatcher: dispatcher}
}

func (f *dispatchFixture) seedCampaign(t *testing.T, status CampaignStatus, subscriberCount int) (*Campaign, []*Subscriber) {
	t.Helper()
	c := testCampaign()
	c.Status = status
	c.Audience = AudienceSpec{Type: "all"}
	c.Content = Content{HTML: "<html><body>Hi {{firstName}}</body></html>", PlainText: "Hi {{firstName}}"}
	c.Sender = SenderInfo{Name: "News", Email: "news@example.com"}
	require.NoError(t, f.store.CreateCampaign(context.Background(), c))

	subs := make([]*Subscriber, subscriberCount)
	for i := range subs {
		subs[i] = seedSubscriber(t, f.store, nil)
	}
	return c, subs
}

func TestDispatchSendsAllBatches(t *testing.T) {
	f := newDispatchFixture(t, 100)
	c, _ := f.seedCampaign(t, StatusDraft, 250)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, c.ID))

	assert.Equal(t, 250, f.transport.sentCount())

	got, err := f.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, 250, got.Analytics.Recipients)
	assert.Equal(t, 250, got.Analytics.Sent)
	assert.Equal(t, 3, got.Progress.TotalBatches)
	assert.Equal(t, 3, got.Progress.CurrentBatch)
	assert.NotNil(t, got.Progress.StartedAt)
	assert.NotNil(t, got.Progress.CompletedAt)
	assert.Empty(t, got.Progress.Errors)

	assert.Equal(t, 250, f.store.eventCount(c.ID, EventSent))
}

func TestDispatchSingleShortBatch(t *testing.T) {
	f := newDispatchFixture(t, 100)
	c, _ := f.seedCampaign(t, StatusScheduled, 7)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, c.ID))

	got, err := f.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, 1, got.Progress.TotalBatches)
	assert.Equal(t, 7, f.transport.sentCount())
}

func TestDispatchEmptyAudienceLeavesCampaignUntouched(t *testing.T) {
	f := newDispatchFixture(t, 100)
	c, _ := f.seedCampaign(t, StatusDraft, 0)
	ctx := context.Background()

	err := f.dispatcher.Dispatch(ctx, c.ID)
	require.ErrorIs(t, err, ErrNoSubscribers)
	assert.False(t, ShouldMarkFailed(err))

	got, gerr := f.store.GetCampaign(ctx, c.ID)
	require.NoError(t, gerr)
	assert.Equal(t, StatusDraft, got.Status)
	assert.Equal(t, 0, got.Analytics.Recipients)
}

func TestDispatchLeaseContentionIsNoOp(t *testing.T) {
	f := newDispatchFixture(t, 100)
	c, _ := f.seedCampaign(t, StatusDraft, 5)
	ctx := context.Background()

	// A competing holder owns the campaign lease.
	competing := f.leases("campaign:"+c.ID.String(), time.Minute)
	acquired, err := competing.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, f.dispatcher.Dispatch(ctx, c.ID))

	assert.Equal(t, 0, f.transport.sentCount())
	got, err := f.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, got.Status)

	// After the holder releases, dispatch proceeds normally.
	require.NoError(t, competing.Release(ctx))
	require.NoError(t, f.dispatcher.Dispatch(ctx, c.ID))
	assert.Equal(t, 5, f.transport.sentCount())
}

func TestDispatchAllSendsFailed(t *testing.T) {
	f := newDispatchFixture(t, 100)
	f.transport.failAll = true
	c, _ := f.seedCampaign(t, StatusDraft, 3)
	ctx := context.Background()

	err := f.dispatcher.Dispatch(ctx, c.ID)
	require.Error(t, err)
	assert.True(t, ShouldMarkFailed(err))

	got, gerr := f.store.GetCampaign(ctx, c.ID)
	require.NoError(t, gerr)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Len(t, got.Progress.Errors, 3)
	assert.Equal(t, 0, got.Analytics.Sent)
}

func TestDispatchPartialFailuresStillComplete(t *testing.T) {
	f := newDispatchFixture(t, 100)
	c, subs := f.seedCampaign(t, StatusDraft, 4)
	f.transport.fail = map[string]bool{subs[0].Email: true}
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, c.ID))

	got, err := f.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, 3, f.transport.sentCount())
	require.Len(t, got.Progress.Errors, 1)
	assert.Equal(t, subs[0].Email, got.Progress.Errors[0].Email)
}

func TestDispatchPauseStopsAtBatchBoundary(t *testing.T) {
	f := newDispatchFixture(t, 10)
	c, _ := f.seedCampaign(t, StatusDraft, 30)
	ctx := context.Background()

	var once sync.Once
	f.transport.onSend = func(*esp.Message) {
		once.Do(func() {
			if err := f.dispatcher.Pause(ctx, c.ID); err != nil {
				t.Errorf("pause failed: %v", err)
			}
		})
	}

	require.NoError(t, f.dispatcher.Dispatch(ctx, c.ID))

	// The first batch always completes; nothing after the pause goes out.
	assert.Equal(t, 10, f.transport.sentCount())

	got, err := f.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Equal(t, 1, got.Progress.CurrentBatch)
}

func TestDispatchResumeSkipsAlreadySent(t *testing.T) {
	f := newDispatchFixture(t, 10)
	c, subs := f.seedCampaign(t, StatusSending, 25)
	ctx := context.Background()

	// First ten recipients already have a sent event from before the pause.
	for _, sub := range subs[:10] {
		require.NoError(t, f.store.CreateEvent(ctx, &Event{
			ID:           uuid.New(),
			CampaignID:   c.ID,
			SubscriberID: sub.ID,
			Type:         EventSent,
			IsUnique:     true,
			Timestamp:    time.Now(),
		}))
	}

	require.NoError(t, f.dispatcher.Dispatch(ctx, c.ID))

	assert.Equal(t, 15, f.transport.sentCount())

	got, err := f.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	// Recipients reflects the full resolved audience, not the remainder.
	assert.Equal(t, 25, got.Analytics.Recipients)
	assert.Equal(t, 25, f.store.eventCount(c.ID, EventSent))
}

func TestDispatchFromTerminalStateFails(t *testing.T) {
	f := newDispatchFixture(t, 100)
	c, _ := f.seedCampaign(t, StatusCancelled, 3)
	ctx := context.Background()

	err := f.dispatcher.Dispatch(ctx, c.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 0, f.transport.sentCount())
}

func TestDispatchProgressPersistFailureIsFatal(t *testing.T) {
	f := newDispatchFixture(t, 100)
	c, _ := f.seedCampaign(t, StatusDraft, 3)
	f.store.failUpdateProgress = errors.New("disk full")

	err := f.dispatcher.Dispatch(context.Background(), c.ID)
	require.Error(t, err)
	assert.Equal(t, 0, f.transport.sentCount())
}

func TestCancelFromDraft(t *testing.T) {
	f := newDispatchFixture(t, 100)
	c, _ := f.seedCampaign(t, StatusDraft, 3)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Cancel(ctx, c.ID))

	got, err := f.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 0, f.transport.sentCount())
	assert.Equal(t, Analytics{}, got.Analytics)
}

func TestPauseOnlyFromSending(t *testing.T) {
	f := newDispatchFixture(t, 100)
	c, _ := f.seedCampaign(t, StatusDraft, 3)

	err := f.dispatcher.Pause(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestShouldMarkFailed(t *testing.T) {
	assert.False(t, ShouldMarkFailed(nil))
	assert.False(t, ShouldMarkFailed(ErrNoSubscribers))
	assert.False(t, ShouldMarkFailed(errors.Join(errors.New("resolve audience"), ErrNoSubscribers)))
	assert.True(t, ShouldMarkFailed(errors.New("transport down")))
}
