package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements CampaignStore, SubscriberStore, EventStore and
// DailyStatStore over a single *sql.DB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// DB exposes the underlying handle for advisory-lock leases.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// =============================================================================
// Campaigns
// =============================================================================

const campaignColumns = `id, name, campaign_type, subject, preview_text, content, sender,
	audience, schedule, status, recipients, sent_count, delivered_count, open_count,
	unique_open_count, click_count, unique_click_count, bounce_count, soft_bounce_count,
	hard_bounce_count, unsubscribe_count, complaint_count, links, sending_progress,
	parent_campaign_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	c := &Campaign{}
	err := row.Scan(
		&c.ID, &c.Name, &c.Type, &c.Subject, &c.PreviewText, &c.Content, &c.Sender,
		&c.Audience, &c.Schedule, &c.Status, &c.Analytics.Recipients, &c.Analytics.Sent,
		&c.Analytics.Delivered, &c.Analytics.Opened, &c.Analytics.UniqueOpens,
		&c.Analytics.Clicked, &c.Analytics.UniqueClicks, &c.Analytics.Bounced,
		&c.Analytics.SoftBounced, &c.Analytics.HardBounced, &c.Analytics.Unsubscribed,
		&c.Analytics.Complained, &c.Links, &c.Progress, &c.ParentCampaignID,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateCampaign inserts a new campaign.
func (s *PostgresStore) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusDraft
	}

	query := `INSERT INTO campaigns (id, name, campaign_type, subject, preview_text,
		content, sender, audience, schedule, status, links, sending_progress,
		parent_campaign_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.Type, c.Subject,
		c.PreviewText, c.Content, c.Sender, c.Audience, c.Schedule, c.Status,
		c.Links, c.Progress, c.ParentCampaignID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// GetCampaign fetches a campaign by id.
func (s *PostgresStore) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return scanCampaign(s.db.QueryRowContext(ctx, query, id))
}

// UpdateCampaign persists the mutable definition fields of a campaign.
func (s *PostgresStore) UpdateCampaign(ctx context.Context, c *Campaign) error {
	c.UpdatedAt = time.Now()
	query := `UPDATE campaigns SET name = $2, campaign_type = $3, subject = $4,
		preview_text = $5, content = $6, sender = $7, audience = $8, schedule = $9,
		links = $10, updated_at = $11
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.Type, c.Subject,
		c.PreviewText, c.Content, c.Sender, c.Audience, c.Schedule, c.Links, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	return nil
}

// UpdateStatus flips the campaign status guarded by the expected current
// states. The guard runs inside the UPDATE so overlapping writers cannot
// both win.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, to CampaignStatus, from ...CampaignStatus) error {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, to, pq.Array(fromStrs))
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		cur, err := s.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	return nil
}

// UpdateProgress persists the dispatch loop's progress blob and the resolved
// recipient count while the lease is held.
func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress SendingProgress, recipients int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET sending_progress = $2, recipients = $3, updated_at = NOW()
		WHERE id = $1
	`, id, progress, recipients)
	if err != nil {
		return fmt.Errorf("update campaign progress: %w", err)
	}
	return nil
}

// analyticsColumns whitelists counter names accepted by IncrementAnalytics.
var analyticsColumns = map[string]string{
	"sent":          "sent_count",
	"delivered":     "delivered_count",
	"opened":        "open_count",
	"unique_opens":  "unique_open_count",
	"clicked":       "click_count",
	"unique_clicks": "unique_click_count",
	"bounced":       "bounce_count",
	"soft_bounced":  "soft_bounce_count",
	"hard_bounced":  "hard_bounce_count",
	"unsubscribed":  "unsubscribe_count",
	"complained":    "complaint_count",
}

// IncrementAnalytics atomically adds deltas to campaign counters in a single
// statement.
func (s *PostgresStore) IncrementAnalytics(ctx context.Context, id uuid.UUID, deltas map[string]int) error {
	if len(deltas) == 0 {
		return nil
	}

	sets := make([]string, 0, len(deltas))
	args := []interface{}{id}
	i := 2
	for name, delta := range deltas {
		col, ok := analyticsColumns[name]
		if !ok {
			return fmt.Errorf("unknown analytics counter %q", name)
		}
		sets = append(sets, fmt.Sprintf("%s = %s + $%d", col, col, i))
		args = append(args, delta)
		i++
	}

	query := fmt.Sprintf("UPDATE campaigns SET %s, updated_at = NOW() WHERE id = $1",
		strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("increment campaign analytics: %w", err)
	}
	return nil
}

// IncrementLinkClicks bumps the click counter of the tracked link matching
// url inside the links JSONB array.
func (s *PostgresStore) IncrementLinkClicks(ctx context.Context, id uuid.UUID, url string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET links = (
			SELECT jsonb_agg(
				CASE WHEN elem->>'url' = $2
					THEN jsonb_set(elem, '{clicks}', to_jsonb(COALESCE((elem->>'clicks')::int, 0) + 1))
					ELSE elem
				END)
			FROM jsonb_array_elements(links) elem
		), updated_at = NOW()
		WHERE id = $1 AND links IS NOT NULL AND jsonb_array_length(links) > 0
	`, id, url)
	if err != nil {
		return fmt.Errorf("increment link clicks: %w", err)
	}
	return nil
}

// FindDue returns scheduled campaigns whose fire time has arrived, oldest
// first.
func (s *PostgresStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status = 'scheduled'
		  AND (schedule->>'scheduled_at')::timestamptz <= $1
		ORDER BY (schedule->>'scheduled_at')::timestamptz ASC
		LIMIT $2`
	return s.queryCampaigns(ctx, query, now, limit)
}

// FindRecurring returns recurring campaigns eligible for evaluation.
func (s *PostgresStore) FindRecurring(ctx context.Context, now time.Time, limit int) ([]*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE schedule->>'type' = 'recurring'
		  AND status IN ('scheduled', 'sent')
		  AND (schedule->'recurring'->>'end_date' IS NULL
			OR (schedule->'recurring'->>'end_date')::timestamptz >= $1)
		ORDER BY created_at ASC
		LIMIT $2`
	return s.queryCampaigns(ctx, query, now, limit)
}

// FindRetryable returns failed campaigns still under the retry limit.
func (s *PostgresStore) FindRetryable(ctx context.Context, maxRetries, limit int) ([]*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status = 'failed'
		  AND COALESCE((sending_progress->>'retry_count')::int, 0) < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	return s.queryCampaigns(ctx, query, maxRetries, limit)
}

func (s *PostgresStore) queryCampaigns(ctx context.Context, query string, args ...interface{}) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// =============================================================================
// Subscribers
// =============================================================================

const subscriberColumns = `id, email, first_name, last_name, status, role, city, state,
	country, tags, preferences, custom_fields, total_emails_sent, total_opens,
	total_clicks, last_opened_at, last_clicked_at, bounce_type, bounce_count,
	unsubscribe_token, confirm_token, confirm_expires_at, last_active_at,
	registered_at, unsubscribed_at, deleted_at, created_at, updated_at`

func scanSubscriber(row rowScanner) (*Subscriber, error) {
	sub := &Subscriber{}
	var bounceType sql.NullString
	err := row.Scan(
		&sub.ID, &sub.Email, &sub.FirstName, &sub.LastName, &sub.Status, &sub.Role,
		&sub.City, &sub.State, &sub.Country, &sub.Tags, &sub.Preferences,
		&sub.CustomFields, &sub.Engagement.TotalEmailsSent, &sub.Engagement.TotalOpens,
		&sub.Engagement.TotalClicks, &sub.Engagement.LastOpenedAt,
		&sub.Engagement.LastClickedAt, &bounceType, &sub.BounceInfo.Count,
		&sub.UnsubscribeToken, &sub.ConfirmToken, &sub.ConfirmExpiresAt,
		&sub.LastActiveAt, &sub.RegisteredAt, &sub.UnsubscribedAt, &sub.DeletedAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if bounceType.Valid {
		sub.BounceInfo.Type = BounceType(bounceType.String)
	}
	return sub, nil
}

// CreateSubscriber inserts a new subscriber. Fresh tokens are generated if
// missing.
func (s *PostgresStore) CreateSubscriber(ctx context.Context, sub *Subscriber) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.UnsubscribeToken == "" {
		sub.UnsubscribeToken = uuid.NewString()
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = SubscriberPending
	}
	if sub.RegisteredAt.IsZero() {
		sub.RegisteredAt = now
	}

	query := `INSERT INTO subscribers (id, email, first_name, last_name, status, role,
		city, state, country, tags, preferences, custom_fields, unsubscribe_token,
		confirm_token, confirm_expires_at, last_active_at, registered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := s.db.ExecContext(ctx, query, sub.ID, sub.Email, sub.FirstName,
		sub.LastName, sub.Status, sub.Role, sub.City, sub.State, sub.Country,
		sub.Tags, sub.Preferences, sub.CustomFields, sub.UnsubscribeToken,
		sub.ConfirmToken, sub.ConfirmExpiresAt, sub.LastActiveAt, sub.RegisteredAt,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

// GetSubscriber fetches a subscriber by id.
func (s *PostgresStore) GetSubscriber(ctx context.Context, id uuid.UUID) (*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE id = $1`
	return scanSubscriber(s.db.QueryRowContext(ctx, query, id))
}

// GetSubscriberByEmail fetches a subscriber by email (case-insensitive).
func (s *PostgresStore) GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE LOWER(email) = LOWER($1)`
	return scanSubscriber(s.db.QueryRowContext(ctx, query, email))
}

// GetByUnsubscribeToken fetches a subscriber by unsubscribe token.
func (s *PostgresStore) GetByUnsubscribeToken(ctx context.Context, token string) (*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE unsubscribe_token = $1`
	return scanSubscriber(s.db.QueryRowContext(ctx, query, token))
}

// GetByConfirmToken fetches a subscriber by double-opt-in token.
func (s *PostgresStore) GetByConfirmToken(ctx context.Context, token string) (*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE confirm_token = $1`
	return scanSubscriber(s.db.QueryRowContext(ctx, query, token))
}

// preferenceKeys maps campaign types to their preference JSON key.
var preferenceKeys = map[CampaignType]string{
	TypeNewsletter:   "newsletter",
	TypePromotional:  "promotional",
	TypeAnnouncement: "announcements",
	TypeDigest:       "weekly_digest",
}

// FindSubscribers runs the audience filter query. Filters compose with AND;
// entries within locations compose with OR.
func (s *PostgresStore) FindSubscribers(ctx context.Context, q SubscriberQuery) ([]*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE deleted_at IS NULL`
	var args []interface{}
	argIdx := 1

	next := func(v interface{}) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", argIdx)
		argIdx++
		return p
	}

	if len(q.Statuses) > 0 {
		strs := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			strs[i] = string(st)
		}
		query += " AND status = ANY(" + next(pq.Array(strs)) + ")"
	}

	if q.PreferenceType != "" {
		key, ok := preferenceKeys[q.PreferenceType]
		if !ok {
			return nil, fmt.Errorf("unknown campaign type %q", q.PreferenceType)
		}
		query += fmt.Sprintf(" AND COALESCE((preferences->>'%s')::boolean, false) = true", key)
	}

	if len(q.Roles) > 0 {
		query += " AND role = ANY(" + next(pq.Array(q.Roles)) + ")"
	}

	if len(q.Tags) > 0 {
		// subscriber's tag set intersects the filter set
		query += " AND tags ?| " + next(pq.Array(q.Tags))
	}

	if len(q.Locations) > 0 {
		var ors []string
		for _, loc := range q.Locations {
			var ands []string
			if loc.City != "" {
				ands = append(ands, "LOWER(city) = LOWER("+next(loc.City)+")")
			}
			if loc.State != "" {
				ands = append(ands, "LOWER(state) = LOWER("+next(loc.State)+")")
			}
			if loc.Country != "" {
				ands = append(ands, "LOWER(country) = LOWER("+next(loc.Country)+")")
			}
			if len(ands) > 0 {
				ors = append(ors, "("+strings.Join(ands, " AND ")+")")
			}
		}
		if len(ors) > 0 {
			query += " AND (" + strings.Join(ors, " OR ") + ")"
		}
	}

	if q.Activity != nil {
		if q.Activity.LastActiveWithin > 0 {
			query += " AND last_active_at >= " + next(time.Now().Add(-q.Activity.LastActiveWithin))
		}
		if q.Activity.RegisteredAfter != nil {
			query += " AND registered_at > " + next(*q.Activity.RegisteredAfter)
		}
		if q.Activity.RegisteredBefore != nil {
			query += " AND registered_at < " + next(*q.Activity.RegisteredBefore)
		}
	}

	if len(q.IncludeIDs) > 0 {
		query += " AND id = ANY(" + next(pq.Array(uuidStrings(q.IncludeIDs))) + ")"
	}
	if len(q.ExcludeIDs) > 0 {
		query += " AND NOT (id = ANY(" + next(pq.Array(uuidStrings(q.ExcludeIDs))) + "))"
	}

	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// UpdateSubscriberStatus transitions a subscriber's status. unsubscribed_at
// is stamped when moving to unsubscribed. Bounced and complained are
// terminal; the guard keeps a later unsubscribe or resubscribe from
// overwriting them.
func (s *PostgresStore) UpdateSubscriberStatus(ctx context.Context, id uuid.UUID, status SubscriberStatus, at time.Time) error {
	guard := ""
	if !stickySubscriberStatus(status) {
		guard = " AND status NOT IN ('bounced', 'complained')"
	}
	var err error
	if status == SubscriberUnsubscribed {
		_, err = s.db.ExecContext(ctx, `
			UPDATE subscribers SET status = $2, unsubscribed_at = $3, updated_at = NOW()
			WHERE id = $1`+guard, id, status, at)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE subscribers SET status = $2, updated_at = NOW()
			WHERE id = $1`+guard, id, status)
	}
	if err != nil {
		return fmt.Errorf("update subscriber status: %w", err)
	}
	return nil
}

// IncrementEngagement applies per-event engagement deltas as
// field-level increments so concurrent dispatch loops never clobber each
// other.
func (s *PostgresStore) IncrementEngagement(ctx context.Context, id uuid.UUID, event EventType, at time.Time) error {
	var query string
	switch event {
	case EventSent:
		query = `UPDATE subscribers SET total_emails_sent = total_emails_sent + 1,
			updated_at = NOW() WHERE id = $1`
	case EventOpened:
		query = `UPDATE subscribers SET total_opens = total_opens + 1,
			last_opened_at = $2, last_active_at = $2, updated_at = NOW() WHERE id = $1`
	case EventClicked:
		query = `UPDATE subscribers SET total_clicks = total_clicks + 1,
			last_clicked_at = $2, last_active_at = $2, updated_at = NOW() WHERE id = $1`
	default:
		return nil
	}

	var err error
	if event == EventSent {
		_, err = s.db.ExecContext(ctx, query, id)
	} else {
		_, err = s.db.ExecContext(ctx, query, id, at)
	}
	if err != nil {
		return fmt.Errorf("increment subscriber engagement: %w", err)
	}
	return nil
}

// RecordBounce bumps bounce counters and returns the cumulative
// count. Hard bounces overwrite the recorded type.
func (s *PostgresStore) RecordBounce(ctx context.Context, id uuid.UUID, bounceType BounceType) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE subscribers
		SET bounce_count = bounce_count + 1,
			bounce_type = CASE WHEN $2 = 'hard' THEN 'hard' ELSE COALESCE(bounce_type, $2) END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING bounce_count
	`, id, string(bounceType)).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record subscriber bounce: %w", err)
	}
	return count, nil
}

// =============================================================================
// Events
// =============================================================================

// CreateEvent appends an event. Events are never updated.
func (s *PostgresStore) CreateEvent(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_events (id, campaign_id, subscriber_id, email, event_type,
			metadata, is_unique, event_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.CampaignID, e.SubscriberID, e.Email, e.Type, e.Metadata, e.IsUnique, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventExists reports whether any event of the given type exists for the
// (campaign, subscriber) pair.
func (s *PostgresStore) EventExists(ctx context.Context, campaignID, subscriberID uuid.UUID, t EventType) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM campaign_events
			WHERE campaign_id = $1 AND subscriber_id = $2 AND event_type = $3
		)
	`, campaignID, subscriberID, t).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event exists: %w", err)
	}
	return exists, nil
}

// SentSubscriberIDs returns ids of subscribers that already have a
// sent event for the campaign.
func (s *PostgresStore) SentSubscriberIDs(ctx context.Context, campaignID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT subscriber_id FROM campaign_events
		WHERE campaign_id = $1 AND event_type = 'sent'
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query sent subscribers: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// =============================================================================
// Daily stats
// =============================================================================

var dailyStatColumns = map[EventType]string{
	EventSent:         "sent",
	EventDelivered:    "delivered",
	EventOpened:       "opened",
	EventClicked:      "clicked",
	EventBounced:      "bounced",
	EventUnsubscribed: "unsubscribed",
	EventComplained:   "complained",
	EventConverted:    "converted",
}

// IncrementDailyStat upserts the (date, campaign) bucket with an atomic
// counter increment. Safe under concurrent event recording.
func (s *PostgresStore) IncrementDailyStat(ctx context.Context, date time.Time, campaignID uuid.UUID, t EventType) error {
	col, ok := dailyStatColumns[t]
	if !ok {
		return fmt.Errorf("unknown event type %q", t)
	}
	day := UTCMidnight(date)

	query := fmt.Sprintf(`
		INSERT INTO campaign_daily_stats (stat_date, campaign_id, %s)
		VALUES ($1, $2, 1)
		ON CONFLICT (stat_date, campaign_id)
		DO UPDATE SET %s = campaign_daily_stats.%s + 1
	`, col, col, col)

	if _, err := s.db.ExecContext(ctx, query, day, campaignID); err != nil {
		return fmt.Errorf("increment daily stat: %w", err)
	}
	return nil
}

// GetDailyStat fetches one rollup bucket.
func (s *PostgresStore) GetDailyStat(ctx context.Context, date time.Time, campaignID uuid.UUID) (*DailyStat, error) {
	stat := &DailyStat{}
	err := s.db.QueryRowContext(ctx, `
		SELECT stat_date, campaign_id, sent, delivered, opened, clicked, bounced,
			unsubscribed, complained, converted
		FROM campaign_daily_stats
		WHERE stat_date = $1 AND campaign_id = $2
	`, UTCMidnight(date), campaignID).Scan(
		&stat.StatDate, &stat.CampaignID, &stat.Sent, &stat.Delivered, &stat.Opened,
		&stat.Clicked, &stat.Bounced, &stat.Unsubscribed, &stat.Complained, &stat.Converted,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily stat: %w", err)
	}
	return stat, nil
}

// UTCMidnight truncates t to its UTC day boundary.
func UTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
