package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// TrackingRecorder records lifecycle events with uniqueness semantics and
// rolls them into campaign, subscriber and daily aggregates.
//
// The event itself is the source of truth: once persisted, failures in any
// aggregate update are logged and swallowed, never rolled back or retried.
type TrackingRecorder struct {
	campaigns   CampaignStore
	subscribers SubscriberStore
	events      EventStore
	daily       DailyStatStore
}

// NewTrackingRecorder creates a recorder over the four stores.
func NewTrackingRecorder(campaigns CampaignStore, subscribers SubscriberStore, events EventStore, daily DailyStatStore) *TrackingRecorder {
	return &TrackingRecorder{
		campaigns:   campaigns,
		subscribers: subscribers,
		events:      events,
		daily:       daily,
	}
}

// dedupedEvents lists the event types whose uniqueness is computed against
// prior events for the same (campaign, subscriber) pair. sent is deliberately
// absent: repeated sends each record is_unique=true.
var dedupedEvents = map[EventType]bool{
	EventOpened:  true,
	EventClicked: true,
}

// Record persists one event and applies the aggregate updates it implies.
// The returned event is always valid when err is nil, even if some aggregate
// updates failed.
func (t *TrackingRecorder) Record(ctx context.Context, campaignID, subscriberID uuid.UUID, eventType EventType, metadata EventMetadata) (*Event, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("record event: unknown event type %q", eventType)
	}

	sub, err := t.subscribers.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("record event: load subscriber: %w", err)
	}

	isUnique := true
	if dedupedEvents[eventType] {
		exists, err := t.events.EventExists(ctx, campaignID, subscriberID, eventType)
		if err != nil {
			return nil, fmt.Errorf("record event: check uniqueness: %w", err)
		}
		isUnique = !exists
	}

	event := &Event{
		ID:           uuid.New(),
		CampaignID:   campaignID,
		SubscriberID: subscriberID,
		Email:        sub.Email,
		Type:         eventType,
		Metadata:     metadata,
		IsUnique:     isUnique,
		Timestamp:    time.Now(),
	}
	if err := t.events.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}

	// From here on the event stands; aggregate failures are logged only.
	t.applyCampaignCounters(ctx, event)
	t.applySubscriberUpdates(ctx, event)

	if err := t.daily.IncrementDailyStat(ctx, event.Timestamp, campaignID, eventType); err != nil {
		logger.Error("daily stat increment failed",
			"campaign_id", campaignID, "event_type", eventType, "error", err)
	}

	return event, nil
}

func (t *TrackingRecorder) applyCampaignCounters(ctx context.Context, e *Event) {
	deltas := map[string]int{}

	switch e.Type {
	case EventSent:
		deltas["sent"] = 1
	case EventDelivered:
		deltas["delivered"] = 1
	case EventOpened:
		deltas["opened"] = 1
		if e.IsUnique {
			deltas["unique_opens"] = 1
		}
	case EventClicked:
		deltas["clicked"] = 1
		if e.IsUnique {
			deltas["unique_clicks"] = 1
		}
	case EventBounced:
		deltas["bounced"] = 1
		if e.Metadata.BounceType == BounceHard {
			deltas["hard_bounced"] = 1
		} else {
			deltas["soft_bounced"] = 1
		}
	case EventUnsubscribed:
		deltas["unsubscribed"] = 1
	case EventComplained:
		deltas["complained"] = 1
	}

	if len(deltas) == 0 {
		return
	}
	if err := t.campaigns.IncrementAnalytics(ctx, e.CampaignID, deltas); err != nil {
		logger.Error("campaign counter update failed",
			"campaign_id", e.CampaignID, "event_type", e.Type, "error", err)
	}

	if e.Type == EventClicked && e.Metadata.LinkURL != "" {
		if err := t.campaigns.IncrementLinkClicks(ctx, e.CampaignID, e.Metadata.LinkURL); err != nil {
			logger.Error("link click counter update failed",
				"campaign_id", e.CampaignID, "url", e.Metadata.LinkURL, "error", err)
		}
	}
}

func (t *TrackingRecorder) applySubscriberUpdates(ctx context.Context, e *Event) {
	switch e.Type {
	case EventSent, EventOpened, EventClicked:
		if err := t.subscribers.IncrementEngagement(ctx, e.SubscriberID, e.Type, e.Timestamp); err != nil {
			logger.Error("subscriber engagement update failed",
				"subscriber_id", e.SubscriberID, "event_type", e.Type, "error", err)
		}

	case EventBounced:
		bounceType := e.Metadata.BounceType
		if bounceType == "" {
			bounceType = BounceSoft
		}
		count, err := t.subscribers.RecordBounce(ctx, e.SubscriberID, bounceType)
		if err != nil {
			logger.Error("subscriber bounce update failed",
				"subscriber_id", e.SubscriberID, "error", err)
			return
		}
		// Hard bounces and the third cumulative bounce are sticky.
		if bounceType == BounceHard || count >= SoftBounceLimit {
			if err := t.subscribers.UpdateSubscriberStatus(ctx, e.SubscriberID, SubscriberBounced, e.Timestamp); err != nil {
				logger.Error("subscriber status update failed",
					"subscriber_id", e.SubscriberID, "status", SubscriberBounced, "error", err)
			}
		}

	case EventComplained:
		if err := t.subscribers.UpdateSubscriberStatus(ctx, e.SubscriberID, SubscriberComplained, e.Timestamp); err != nil {
			logger.Error("subscriber status update failed",
				"subscriber_id", e.SubscriberID, "status", SubscriberComplained, "error", err)
		}

	case EventUnsubscribed:
		if err := t.subscribers.UpdateSubscriberStatus(ctx, e.SubscriberID, SubscriberUnsubscribed, e.Timestamp); err != nil {
			logger.Error("subscriber status update failed",
				"subscriber_id", e.SubscriberID, "status", SubscriberUnsubscribed, "error", err)
		}
	}
}
