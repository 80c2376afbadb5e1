package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// CampaignStore persists campaigns. Counter updates go through
// IncrementAnalytics so concurrent event recording never read-modify-writes
// the counters.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error)
	UpdateCampaign(ctx context.Context, c *Campaign) error

	// UpdateStatus flips the status only if the campaign is currently in one
	// of the expected states; otherwise it returns a wrapped
	// ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id uuid.UUID, to CampaignStatus, from ...CampaignStatus) error

	// UpdateProgress persists the sending progress blob and the resolved
	// recipient count. Event counters are never written absolutely here;
	// they only move through IncrementAnalytics so tracking callbacks
	// arriving mid-dispatch are not clobbered.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress SendingProgress, recipients int) error

	// IncrementAnalytics atomically adds deltas to named analytics counters.
	IncrementAnalytics(ctx context.Context, id uuid.UUID, deltas map[string]int) error

	// IncrementLinkClicks atomically bumps the click counter of the tracked
	// link matching url, if the campaign tracks it.
	IncrementLinkClicks(ctx context.Context, id uuid.UUID, url string) error

	// FindDue returns campaigns with status=scheduled whose scheduled time
	// has arrived.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*Campaign, error)

	// FindRecurring returns recurring campaigns in status scheduled or sent
	// whose end date (if any) has not passed.
	FindRecurring(ctx context.Context, now time.Time, limit int) ([]*Campaign, error)

	// FindRetryable returns failed campaigns with a retry count below
	// maxRetries.
	FindRetryable(ctx context.Context, maxRetries, limit int) ([]*Campaign, error)
}

// SubscriberQuery is the filter shape consumed by AudienceResolver.
type SubscriberQuery struct {
	Statuses       []SubscriberStatus
	PreferenceType CampaignType
	Roles          []string
	Locations      []Location
	Tags           []string
	Activity       *ActivityFilter
	IncludeIDs     []uuid.UUID
	ExcludeIDs     []uuid.UUID
}

// SubscriberStore persists subscribers.
type SubscriberStore interface {
	CreateSubscriber(ctx context.Context, s *Subscriber) error
	GetSubscriber(ctx context.Context, id uuid.UUID) (*Subscriber, error)
	GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error)
	GetByUnsubscribeToken(ctx context.Context, token string) (*Subscriber, error)
	GetByConfirmToken(ctx context.Context, token string) (*Subscriber, error)
	FindSubscribers(ctx context.Context, q SubscriberQuery) ([]*Subscriber, error)

	UpdateSubscriberStatus(ctx context.Context, id uuid.UUID, status SubscriberStatus, at time.Time) error

	// IncrementEngagement atomically applies engagement deltas and recency
	// timestamps for the given event type.
	IncrementEngagement(ctx context.Context, id uuid.UUID, event EventType, at time.Time) error

	// RecordBounce bumps the bounce counters and returns the cumulative
	// bounce count after the increment.
	RecordBounce(ctx context.Context, id uuid.UUID, bounceType BounceType) (int, error)
}

// EventStore persists append-only events.
type EventStore interface {
	CreateEvent(ctx context.Context, e *Event) error

	// EventExists reports whether any event of the given type exists for the
	// (campaign, subscriber) pair.
	EventExists(ctx context.Context, campaignID, subscriberID uuid.UUID, t EventType) (bool, error)

	// SentSubscriberIDs returns the subscriber ids that already have a sent
	// event for the campaign. Used to skip already-sent recipients when a
	// paused campaign is re-dispatched.
	SentSubscriberIDs(ctx context.Context, campaignID uuid.UUID) (map[uuid.UUID]bool, error)
}

// DailyStatStore upserts daily rollup buckets via atomic increment.
type DailyStatStore interface {
	IncrementDailyStat(ctx context.Context, date time.Time, campaignID uuid.UUID, t EventType) error
	GetDailyStat(ctx context.Context, date time.Time, campaignID uuid.UUID) (*DailyStat, error)
}

// Store aggregates the four repositories; the Postgres implementation
// satisfies all of them over one handle.
type Store interface {
	CampaignStore
	SubscriberStore
	EventStore
	DailyStatStore
}
