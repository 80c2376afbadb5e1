package campaign

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusSending   CampaignStatus = "sending"
	StatusSent      CampaignStatus = "sent"
	StatusPaused    CampaignStatus = "paused"
	StatusCancelled CampaignStatus = "cancelled"
	StatusFailed    CampaignStatus = "failed"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusSending, StatusSent,
		StatusPaused, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are defined from s.
func (s CampaignStatus) Terminal() bool {
	return s == StatusSent || s == StatusCancelled
}

// CampaignType maps to a subscriber preference flag for audience filtering.
type CampaignType string

const (
	TypeNewsletter   CampaignType = "newsletter"
	TypePromotional  CampaignType = "promotional"
	TypeAnnouncement CampaignType = "announcement"
	TypeDigest       CampaignType = "digest"
)

// ScheduleType determines when a campaign is dispatched.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleFixed     ScheduleType = "scheduled"
	ScheduleRecurring ScheduleType = "recurring"
)

// Frequency is the firing cadence of a recurring campaign.
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// SubscriberStatus is the subscription state of a subscriber.
type SubscriberStatus string

const (
	SubscriberPending      SubscriberStatus = "pending"
	SubscriberSubscribed   SubscriberStatus = "subscribed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
	SubscriberComplained   SubscriberStatus = "complained"
)

// stickySubscriberStatus reports whether a status is terminal. A bounced or
// complained subscriber stays that way even when a softer transition such as
// an unsubscribe arrives afterward.
func stickySubscriberStatus(st SubscriberStatus) bool {
	return st == SubscriberBounced || st == SubscriberComplained
}

// EventType identifies a lifecycle occurrence for a (campaign, subscriber) pair.
type EventType string

const (
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventUnsubscribed EventType = "unsubscribed"
	EventComplained   EventType = "complained"
	EventConverted    EventType = "converted"
)

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	switch e {
	case EventSent, EventDelivered, EventOpened, EventClicked,
		EventBounced, EventUnsubscribed, EventComplained, EventConverted:
		return true
	}
	return false
}

// BounceType distinguishes soft from hard bounces.
type BounceType string

const (
	BounceSoft BounceType = "soft"
	BounceHard BounceType = "hard"
)

func (b BounceType) Valid() bool { return b == BounceSoft || b == BounceHard }

// SoftBounceLimit is the cumulative bounce count at which a subscriber is
// marked bounced even if every bounce was soft.
const SoftBounceLimit = 3

// jsonValue marshals v for a JSONB column.
func jsonValue(v interface{}) (driver.Value, error) {
	return json.Marshal(v)
}

// jsonScan unmarshals a JSONB column into dst. NULL leaves dst untouched.
func jsonScan(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte for JSONB column, got %T", value)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

// Location is one OR-ed entry of an audience location filter.
type Location struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// ActivityFilter restricts the audience by recency of activity and
// registration date. All set fields are AND-ed.
type ActivityFilter struct {
	LastActiveWithin time.Duration `json:"last_active_within,omitempty"`
	RegisteredAfter  *time.Time    `json:"registered_after,omitempty"`
	RegisteredBefore *time.Time    `json:"registered_before,omitempty"`
}

// AudienceSpec describes who a campaign targets.
type AudienceSpec struct {
	Type           string          `json:"type"` // all|segment|list|manual
	Roles          []string        `json:"roles,omitempty"`
	Locations      []Location      `json:"locations,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	ActivityFilter *ActivityFilter `json:"activity_filter,omitempty"`
	SubscriberIDs  []uuid.UUID     `json:"subscriber_ids,omitempty"`
	ExcludeIDs     []uuid.UUID     `json:"exclude_ids,omitempty"`
}

func (a AudienceSpec) Value() (driver.Value, error) { return jsonValue(a) }
func (a *AudienceSpec) Scan(value interface{}) error { return jsonScan(value, a) }

// RecurringSpec configures a recurring schedule.
type RecurringSpec struct {
	Frequency  Frequency  `json:"frequency"`
	DayOfWeek  *int       `json:"day_of_week,omitempty"`  // 0=Sunday
	DayOfMonth *int       `json:"day_of_month,omitempty"` // 1-31
	EndDate    *time.Time `json:"end_date,omitempty"`
	LastSentAt *time.Time `json:"last_sent_at,omitempty"`
}

// ScheduleSpec describes when a campaign fires.
type ScheduleSpec struct {
	Type        ScheduleType   `json:"type"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	Recurring   *RecurringSpec `json:"recurring,omitempty"`
}

func (s ScheduleSpec) Value() (driver.Value, error) { return jsonValue(s) }
func (s *ScheduleSpec) Scan(value interface{}) error { return jsonScan(value, s) }

// SenderInfo is the from/reply-to identity of a campaign.
type SenderInfo struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	ReplyTo string `json:"reply_to,omitempty"`
}

func (s SenderInfo) Value() (driver.Value, error) { return jsonValue(s) }
func (s *SenderInfo) Scan(value interface{}) error { return jsonScan(value, s) }

// Content holds the campaign body in both formats.
type Content struct {
	HTML      string `json:"html"`
	PlainText string `json:"plain_text,omitempty"`
}

func (c Content) Value() (driver.Value, error) { return jsonValue(c) }
func (c *Content) Scan(value interface{}) error { return jsonScan(value, c) }

// Analytics holds the denormalized per-campaign counters.
type Analytics struct {
	Recipients   int `json:"recipients"`
	Sent         int `json:"sent"`
	Delivered    int `json:"delivered"`
	Opened       int `json:"opened"`
	UniqueOpens  int `json:"unique_opens"`
	Clicked      int `json:"clicked"`
	UniqueClicks int `json:"unique_clicks"`
	Bounced      int `json:"bounced"`
	SoftBounced  int `json:"soft_bounced"`
	HardBounced  int `json:"hard_bounced"`
	Unsubscribed int `json:"unsubscribed"`
	Complained   int `json:"complained"`
}

func (a Analytics) Value() (driver.Value, error) { return jsonValue(a) }
func (a *Analytics) Scan(value interface{}) error { return jsonScan(value, a) }

// Link is a tracked link within the campaign content.
type Link struct {
	URL    string `json:"url"`
	Label  string `json:"label,omitempty"`
	Clicks int    `json:"clicks"`
}

// Links wraps []Link for JSONB storage.
type Links []Link

func (l Links) Value() (driver.Value, error) { return jsonValue(l) }
func (l *Links) Scan(value interface{}) error { return jsonScan(value, l) }

// SendError records one failed delivery attempt during dispatch.
type SendError struct {
	SubscriberID uuid.UUID `json:"subscriber_id"`
	Email        string    `json:"email"`
	Error        string    `json:"error"`
	Timestamp    time.Time `json:"timestamp"`
}

// SendingProgress tracks a dispatch loop through its batches.
type SendingProgress struct {
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	LastProcessedAt *time.Time  `json:"last_processed_at,omitempty"`
	CurrentBatch    int         `json:"current_batch"`
	TotalBatches    int         `json:"total_batches"`
	RetryCount      int         `json:"retry_count"`
	Errors          []SendError `json:"errors,omitempty"`
}

func (p SendingProgress) Value() (driver.Value, error) { return jsonValue(p) }
func (p *SendingProgress) Scan(value interface{}) error { return jsonScan(value, p) }

// Campaign is a single email send definition plus its lifecycle state and
// analytics. Progress and analytics are written only by the active dispatch
// loop for the campaign; status and recurring bookkeeping by the coordinator.
type Campaign struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	Name             string          `json:"name" db:"name"`
	Type             CampaignType    `json:"type" db:"campaign_type"`
	Subject          string          `json:"subject" db:"subject"`
	PreviewText      string          `json:"preview_text" db:"preview_text"`
	Content          Content         `json:"content" db:"content"`
	Sender           SenderInfo      `json:"sender" db:"sender"`
	Audience         AudienceSpec    `json:"audience" db:"audience"`
	Schedule         ScheduleSpec    `json:"schedule" db:"schedule"`
	Status           CampaignStatus  `json:"status" db:"status"`
	Analytics        Analytics       `json:"analytics" db:"analytics"`
	Links            Links           `json:"links" db:"links"`
	Progress         SendingProgress `json:"sending_progress" db:"sending_progress"`
	ParentCampaignID *uuid.UUID      `json:"parent_campaign_id,omitempty" db:"parent_campaign_id"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Preferences holds per-campaign-type opt-ins.
type Preferences struct {
	Newsletter    bool `json:"newsletter"`
	Promotional   bool `json:"promotional"`
	Announcements bool `json:"announcements"`
	WeeklyDigest  bool `json:"weekly_digest"`
}

func (p Preferences) Value() (driver.Value, error) { return jsonValue(p) }
func (p *Preferences) Scan(value interface{}) error { return jsonScan(value, p) }

// Allows reports whether the preferences permit the given campaign type.
func (p Preferences) Allows(t CampaignType) bool {
	switch t {
	case TypeNewsletter:
		return p.Newsletter
	case TypePromotional:
		return p.Promotional
	case TypeAnnouncement:
		return p.Announcements
	case TypeDigest:
		return p.WeeklyDigest
	}
	return false
}

// Engagement holds denormalized per-subscriber engagement counters.
type Engagement struct {
	TotalEmailsSent int        `json:"total_emails_sent"`
	TotalOpens      int        `json:"total_opens"`
	TotalClicks     int        `json:"total_clicks"`
	LastOpenedAt    *time.Time `json:"last_opened_at,omitempty"`
	LastClickedAt   *time.Time `json:"last_clicked_at,omitempty"`
}

func (e Engagement) Value() (driver.Value, error) { return jsonValue(e) }
func (e *Engagement) Scan(value interface{}) error { return jsonScan(value, e) }

// BounceInfo accumulates bounce history for a subscriber.
type BounceInfo struct {
	Type  BounceType `json:"type,omitempty"`
	Count int        `json:"count"`
}

func (b BounceInfo) Value() (driver.Value, error) { return jsonValue(b) }
func (b *BounceInfo) Scan(value interface{}) error { return jsonScan(value, b) }

// CustomFields wraps arbitrary per-subscriber merge fields.
type CustomFields map[string]interface{}

func (c CustomFields) Value() (driver.Value, error) { return jsonValue(c) }
func (c *CustomFields) Scan(value interface{}) error { return jsonScan(value, c) }

// StringSlice wraps []string for JSONB storage (roles, tags, list ids).
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) { return jsonValue(s) }
func (s *StringSlice) Scan(value interface{}) error { return jsonScan(value, s) }

// Subscriber is an email-address record with subscription status,
// preferences and engagement history.
type Subscriber struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	Email            string           `json:"email" db:"email"`
	FirstName        string           `json:"first_name" db:"first_name"`
	LastName         string           `json:"last_name" db:"last_name"`
	Status           SubscriberStatus `json:"status" db:"status"`
	Role             string           `json:"role" db:"role"`
	City             string           `json:"city" db:"city"`
	State            string           `json:"state" db:"state"`
	Country          string           `json:"country" db:"country"`
	Tags             StringSlice      `json:"tags" db:"tags"`
	Preferences      Preferences      `json:"preferences" db:"preferences"`
	CustomFields     CustomFields     `json:"custom_fields" db:"custom_fields"`
	Engagement       Engagement       `json:"engagement" db:"engagement"`
	BounceInfo       BounceInfo       `json:"bounce_info" db:"bounce_info"`
	UnsubscribeToken string           `json:"-" db:"unsubscribe_token"`
	ConfirmToken     string           `json:"-" db:"confirm_token"`
	ConfirmExpiresAt *time.Time       `json:"-" db:"confirm_expires_at"`
	LastActiveAt     *time.Time       `json:"last_active_at" db:"last_active_at"`
	RegisteredAt     time.Time        `json:"registered_at" db:"registered_at"`
	UnsubscribedAt   *time.Time       `json:"unsubscribed_at" db:"unsubscribed_at"`
	DeletedAt        *time.Time       `json:"-" db:"deleted_at"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// FullName returns the subscriber's display name.
func (s *Subscriber) FullName() string {
	switch {
	case s.FirstName != "" && s.LastName != "":
		return s.FirstName + " " + s.LastName
	case s.FirstName != "":
		return s.FirstName
	default:
		return s.LastName
	}
}

// EventMetadata carries event-specific details.
type EventMetadata struct {
	LinkURL      string     `json:"link_url,omitempty"`
	BounceType   BounceType `json:"bounce_type,omitempty"`
	BounceReason string     `json:"bounce_reason,omitempty"`
	MessageID    string     `json:"message_id,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
}

func (m EventMetadata) Value() (driver.Value, error) { return jsonValue(m) }
func (m *EventMetadata) Scan(value interface{}) error { return jsonScan(value, m) }

// Event is an immutable record of one lifecycle occurrence. Never mutated
// after creation.
type Event struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	CampaignID   uuid.UUID     `json:"campaign_id" db:"campaign_id"`
	SubscriberID uuid.UUID     `json:"subscriber_id" db:"subscriber_id"`
	Email        string        `json:"email" db:"email"`
	Type         EventType     `json:"event_type" db:"event_type"`
	Metadata     EventMetadata `json:"metadata" db:"metadata"`
	IsUnique     bool          `json:"is_unique" db:"is_unique"`
	Timestamp    time.Time     `json:"timestamp" db:"event_at"`
}

// DailyStat is the per-day, per-campaign rollup bucket. The composite key is
// (StatDate at UTC midnight, CampaignID); counters are only ever touched via
// atomic increments.
type DailyStat struct {
	StatDate     time.Time `json:"stat_date" db:"stat_date"`
	CampaignID   uuid.UUID `json:"campaign_id" db:"campaign_id"`
	Sent         int       `json:"sent" db:"sent"`
	Delivered    int       `json:"delivered" db:"delivered"`
	Opened       int       `json:"opened" db:"opened"`
	Clicked      int       `json:"clicked" db:"clicked"`
	Bounced      int       `json:"bounced" db:"bounced"`
	Unsubscribed int       `json:"unsubscribed" db:"unsubscribed"`
	Complained   int       `json:"complained" db:"complained"`
	Converted    int       `json:"converted" db:"converted"`
}

// CampaignStats provides rates computed from the raw counters.
type CampaignStats struct {
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	BounceRate      float64 `json:"bounce_rate"`
	ComplaintRate   float64 `json:"complaint_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`
	CTR             float64 `json:"ctr"` // click-to-open rate
}

// CalculateStats derives percentage rates from the campaign counters.
func (c *Campaign) CalculateStats() CampaignStats {
	stats := CampaignStats{}
	if c.Analytics.Sent > 0 {
		sent := float64(c.Analytics.Sent)
		stats.OpenRate = float64(c.Analytics.Opened) / sent * 100
		stats.ClickRate = float64(c.Analytics.Clicked) / sent * 100
		stats.BounceRate = float64(c.Analytics.Bounced) / sent * 100
		stats.ComplaintRate = float64(c.Analytics.Complained) / sent * 100
		stats.UnsubscribeRate = float64(c.Analytics.Unsubscribed) / sent * 100
	}
	if c.Analytics.Opened > 0 {
		stats.CTR = float64(c.Analytics.Clicked) / float64(c.Analytics.Opened) * 100
	}
	return stats
}
