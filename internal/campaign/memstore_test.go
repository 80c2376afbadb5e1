package campaign

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for tests. It mirrors the atomic-increment
// semantics of the Postgres implementation closely enough for the engine
// components to be exercised against it.
type memStore struct {
	mu          sync.Mutex
	campaigns   map[uuid.UUID]*Campaign
	subscribers map[uuid.UUID]*Subscriber
	events      []*Event
	dailyStats  map[string]*DailyStat

	// failUpdateProgress forces UpdateProgress to fail, for fatal-path tests.
	failUpdateProgress error
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		campaigns:   make(map[uuid.UUID]*Campaign),
		subscribers: make(map[uuid.UUID]*Subscriber),
		dailyStats:  make(map[string]*DailyStat),
	}
}

func (m *memStore) CreateCampaign(_ context.Context, c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *memStore) GetCampaign(_ context.Context, id uuid.UUID) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) UpdateCampaign(_ context.Context, c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, id uuid.UUID, to CampaignStatus, from ...CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
}

func (m *memStore) UpdateProgress(_ context.Context, id uuid.UUID, progress SendingProgress, recipients int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdateProgress != nil {
		return m.failUpdateProgress
	}
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Progress = progress
	c.Analytics.Recipients = recipients
	return nil
}

func (m *memStore) IncrementAnalytics(_ context.Context, id uuid.UUID, deltas map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	for name, delta := range deltas {
		switch name {
		case "sent":
			c.Analytics.Sent += delta
		case "delivered":
			c.Analytics.Delivered += delta
		case "opened":
			c.Analytics.Opened += delta
		case "unique_opens":
			c.Analytics.UniqueOpens += delta
		case "clicked":
			c.Analytics.Clicked += delta
		case "unique_clicks":
			c.Analytics.UniqueClicks += delta
		case "bounced":
			c.Analytics.Bounced += delta
		case "soft_bounced":
			c.Analytics.SoftBounced += delta
		case "hard_bounced":
			c.Analytics.HardBounced += delta
		case "unsubscribed":
			c.Analytics.Unsubscribed += delta
		case "complained":
			c.Analytics.Complained += delta
		}
	}
	return nil
}

func (m *memStore) IncrementLinkClicks(_ context.Context, id uuid.UUID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	for i := range c.Links {
		if c.Links[i].URL == url {
			c.Links[i].Clicks++
		}
	}
	return nil
}

func (m *memStore) FindDue(_ context.Context, now time.Time, limit int) ([]*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Campaign
	for _, c := range m.campaigns {
		if len(due) >= limit {
			break
		}
		if c.Status != StatusScheduled || c.Schedule.Type == ScheduleRecurring {
			continue
		}
		if c.Schedule.ScheduledAt != nil && c.Schedule.ScheduledAt.After(now) {
			continue
		}
		cp := *c
		due = append(due, &cp)
	}
	return due, nil
}

func (m *memStore) FindRecurring(_ context.Context, now time.Time, limit int) ([]*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Campaign
	for _, c := range m.campaigns {
		if len(out) >= limit {
			break
		}
		if c.Schedule.Type != ScheduleRecurring {
			continue
		}
		if c.Status != StatusScheduled && c.Status != StatusSent {
			continue
		}
		if r := c.Schedule.Recurring; r != nil && r.EndDate != nil && r.EndDate.Before(now) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) FindRetryable(_ context.Context, maxRetries, limit int) ([]*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Campaign
	for _, c := range m.campaigns {
		if len(out) >= limit {
			break
		}
		if c.Status != StatusFailed || c.Progress.RetryCount >= maxRetries {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) CreateSubscriber(_ context.Context, s *Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subscribers[s.ID] = &cp
	return nil
}

func (m *memStore) GetSubscriber(_ context.Context, id uuid.UUID) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetSubscriberByEmail(_ context.Context, email string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscribers {
		if s.Email == email {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) GetByUnsubscribeToken(_ context.Context, token string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscribers {
		if s.UnsubscribeToken == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) GetByConfirmToken(_ context.Context, token string) (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscribers {
		if s.ConfirmToken == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) FindSubscribers(_ context.Context, q SubscriberQuery) ([]*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscriber
	for _, s := range m.subscribers {
		if !m.matches(s, q) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) matches(s *Subscriber, q SubscriberQuery) bool {
	if s.DeletedAt != nil {
		return false
	}
	if len(q.Statuses) > 0 {
		ok := false
		for _, st := range q.Statuses {
			if s.Status == st {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	if q.PreferenceType != "" && !s.Preferences.Allows(q.PreferenceType) {
		return false
	}
	if len(q.Roles) > 0 {
		ok := false
		for _, r := range q.Roles {
			if s.Role == r {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	if len(q.Tags) > 0 {
		ok := false
		for _, want := range q.Tags {
			for _, have := range s.Tags {
				if want == have {
					ok = true
				}
			}
		}
		if !ok {
			return false
		}
	}
	if len(q.Locations) > 0 {
		ok := false
		for _, loc := range q.Locations {
			if loc.City == "" && loc.State == "" && loc.Country == "" {
				continue
			}
			if loc.City != "" && !strings.EqualFold(s.City, loc.City) {
				continue
			}
			if loc.State != "" && !strings.EqualFold(s.State, loc.State) {
				continue
			}
			if loc.Country != "" && !strings.EqualFold(s.Country, loc.Country) {
				continue
			}
			ok = true
		}
		if !ok {
			return false
		}
	}
	if q.Activity != nil {
		if q.Activity.LastActiveWithin > 0 {
			cutoff := time.Now().Add(-q.Activity.LastActiveWithin)
			if s.LastActiveAt == nil || s.LastActiveAt.Before(cutoff) {
				return false
			}
		}
		if q.Activity.RegisteredAfter != nil && !s.RegisteredAt.After(*q.Activity.RegisteredAfter) {
			return false
		}
		if q.Activity.RegisteredBefore != nil && !s.RegisteredAt.Before(*q.Activity.RegisteredBefore) {
			return false
		}
	}
	if len(q.IncludeIDs) > 0 {
		ok := false
		for _, id := range q.IncludeIDs {
			if s.ID == id {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	for _, id := range q.ExcludeIDs {
		if s.ID == id {
			return false
		}
	}
	return true
}

func (m *memStore) UpdateSubscriberStatus(_ context.Context, id uuid.UUID, status SubscriberStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return ErrNotFound
	}
	if stickySubscriberStatus(s.Status) && !stickySubscriberStatus(status) {
		return nil
	}
	s.Status = status
	if status == SubscriberUnsubscribed {
		s.UnsubscribedAt = &at
	}
	return nil
}

func (m *memStore) IncrementEngagement(_ context.Context, id uuid.UUID, event EventType, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return ErrNotFound
	}
	switch event {
	case EventSent:
		s.Engagement.TotalEmailsSent++
	case EventOpened:
		s.Engagement.TotalOpens++
		s.Engagement.LastOpenedAt = &at
		s.LastActiveAt = &at
	case EventClicked:
		s.Engagement.TotalClicks++
		s.Engagement.LastClickedAt = &at
		s.LastActiveAt = &at
	}
	return nil
}

func (m *memStore) RecordBounce(_ context.Context, id uuid.UUID, bounceType BounceType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return 0, ErrNotFound
	}
	s.BounceInfo.Count++
	s.BounceInfo.Type = bounceType
	return s.BounceInfo.Count, nil
}

func (m *memStore) CreateEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *memStore) EventExists(_ context.Context, campaignID, subscriberID uuid.UUID, t EventType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.CampaignID == campaignID && e.SubscriberID == subscriberID && e.Type == t {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) SentSubscriberIDs(_ context.Context, campaignID uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[uuid.UUID]bool)
	for _, e := range m.events {
		if e.CampaignID == campaignID && e.Type == EventSent {
			ids[e.SubscriberID] = true
		}
	}
	return ids, nil
}

func (m *memStore) IncrementDailyStat(_ context.Context, date time.Time, campaignID uuid.UUID, t EventType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := UTCMidnight(date).Format("2006-01-02") + "/" + campaignID.String()
	stat, ok := m.dailyStats[key]
	if !ok {
		stat = &DailyStat{StatDate: UTCMidnight(date), CampaignID: campaignID}
		m.dailyStats[key] = stat
	}
	switch t {
	case EventSent:
		stat.Sent++
	case EventDelivered:
		stat.Delivered++
	case EventOpened:
		stat.Opened++
	case EventClicked:
		stat.Clicked++
	case EventBounced:
		stat.Bounced++
	case EventUnsubscribed:
		stat.Unsubscribed++
	case EventComplained:
		stat.Complained++
	case EventConverted:
		stat.Converted++
	}
	return nil
}

func (m *memStore) GetDailyStat(_ context.Context, date time.Time, campaignID uuid.UUID) (*DailyStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := UTCMidnight(date).Format("2006-01-02") + "/" + campaignID.String()
	stat, ok := m.dailyStats[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *stat
	return &cp, nil
}

// eventCount tallies recorded events of one type for a campaign.
func (m *memStore) eventCount(campaignID uuid.UUID, t EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.CampaignID == campaignID && e.Type == t {
			n++
		}
	}
	return n
}
