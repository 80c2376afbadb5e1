package campaign

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// CoordinatorConfig tunes the scheduling loop.
type CoordinatorConfig struct {
	// PollInterval is the tick on which due and recurring campaigns are
	// evaluated.
	PollInterval time.Duration
	// RetryFailed makes the tick also retry failed campaigns. When false,
	// retries only happen through an explicit RetryFailedCampaigns call.
	RetryFailed bool
	// MaxRetries caps automatic retries per campaign.
	MaxRetries int
	// FetchLimit caps how many campaigns one tick picks up per query.
	FetchLimit int
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 20
	}
}

// Coordinator polls for due scheduled campaigns, fires recurring instances
// and optionally retries failed campaigns. Lease contention with manual
// "send now" triggers is absorbed inside Dispatch, so overlapping ticks are
// harmless.
type Coordinator struct {
	campaigns  CampaignStore
	dispatcher *Dispatcher
	cfg        CoordinatorConfig
	log        *logger.Logger

	// Stats
	dispatched       int64
	instancesCreated int64
	errs             int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewCoordinator creates a coordinator over the campaign store and
// dispatcher.
func NewCoordinator(campaigns CampaignStore, dispatcher *Dispatcher, cfg CoordinatorConfig) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		campaigns:  campaigns,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        logger.Component("coordinator"),
	}
}

// Start begins the polling loop.
func (co *Coordinator) Start() error {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.running {
		return fmt.Errorf("coordinator already running")
	}
	co.running = true
	co.ctx, co.cancel = context.WithCancel(context.Background())

	co.log.Info("starting", "poll_interval", co.cfg.PollInterval,
		"retry_failed", co.cfg.RetryFailed)

	co.wg.Add(1)
	go co.loop()
	return nil
}

// Stop gracefully stops the loop, waiting for the current tick to finish.
func (co *Coordinator) Stop() {
	co.mu.Lock()
	if !co.running {
		co.mu.Unlock()
		return
	}
	co.running = false
	co.mu.Unlock()

	co.cancel()
	co.wg.Wait()
	co.log.Info("stopped",
		"dispatched", atomic.LoadInt64(&co.dispatched),
		"instances_created", atomic.LoadInt64(&co.instancesCreated),
		"errors", atomic.LoadInt64(&co.errs))
}

func (co *Coordinator) loop() {
	defer co.wg.Done()

	ticker := time.NewTicker(co.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-co.ctx.Done():
			return
		case <-ticker.C:
			co.Tick(co.ctx)
		}
	}
}

// Tick runs one evaluation pass. Exposed so tests and manual triggers can
// drive the coordinator without the ticker.
func (co *Coordinator) Tick(ctx context.Context) {
	co.processScheduled(ctx)
	co.processRecurring(ctx)
	if co.cfg.RetryFailed {
		co.RetryFailedCampaigns(ctx)
	}
}

// processScheduled dispatches campaigns whose scheduled time has arrived.
func (co *Coordinator) processScheduled(ctx context.Context) {
	due, err := co.campaigns.FindDue(ctx, time.Now(), co.cfg.FetchLimit)
	if err != nil {
		co.log.Error("fetch due campaigns failed", "error", err)
		atomic.AddInt64(&co.errs, 1)
		return
	}

	for _, c := range due {
		if err := co.dispatcher.Dispatch(ctx, c.ID); err != nil {
			co.log.Error("scheduled dispatch failed", "campaign_id", c.ID, "error", err)
			atomic.AddInt64(&co.errs, 1)
			if ShouldMarkFailed(err) {
				co.markFailed(ctx, c.ID, err)
			}
			continue
		}
		atomic.AddInt64(&co.dispatched, 1)
	}
}

// processRecurring evaluates recurring campaigns and spawns one-shot child
// instances for those due to fire.
func (co *Coordinator) processRecurring(ctx context.Context) {
	now := time.Now()
	recurring, err := co.campaigns.FindRecurring(ctx, now, co.cfg.FetchLimit)
	if err != nil {
		co.log.Error("fetch recurring campaigns failed", "error", err)
		atomic.AddInt64(&co.errs, 1)
		return
	}

	for _, c := range recurring {
		spec := c.Schedule.Recurring
		if spec == nil || !ShouldFire(spec, now) {
			continue
		}

		instance := co.cloneInstance(c, now)
		if err := co.campaigns.CreateCampaign(ctx, instance); err != nil {
			co.log.Error("create recurring instance failed", "campaign_id", c.ID, "error", err)
			atomic.AddInt64(&co.errs, 1)
			continue
		}

		// Stamp the template before dispatching so a dispatch failure
		// cannot cause a double fire on the next tick.
		firedAt := now
		spec.LastSentAt = &firedAt
		if err := co.campaigns.UpdateCampaign(ctx, c); err != nil {
			co.log.Error("update recurring template failed", "campaign_id", c.ID, "error", err)
			atomic.AddInt64(&co.errs, 1)
			continue
		}

		atomic.AddInt64(&co.instancesCreated, 1)
		co.log.Info("recurring instance created", "template_id", c.ID,
			"instance_id", instance.ID, "frequency", spec.Frequency)

		if err := co.dispatcher.Dispatch(ctx, instance.ID); err != nil {
			co.log.Error("recurring dispatch failed", "campaign_id", instance.ID, "error", err)
			atomic.AddInt64(&co.errs, 1)
			if ShouldMarkFailed(err) {
				co.markFailed(ctx, instance.ID, err)
			}
			continue
		}
		atomic.AddInt64(&co.dispatched, 1)
	}
}

// cloneInstance builds the one-shot child campaign for a recurring template.
func (co *Coordinator) cloneInstance(template *Campaign, now time.Time) *Campaign {
	parentID := template.ID
	scheduledAt := now
	return &Campaign{
		ID:          uuid.New(),
		Name:        fmt.Sprintf("%s (%s)", template.Name, now.Format("2006-01-02")),
		Type:        template.Type,
		Subject:     template.Subject,
		PreviewText: template.PreviewText,
		Content:     template.Content,
		Sender:      template.Sender,
		Audience:    template.Audience,
		Links:       template.Links,
		Schedule: ScheduleSpec{
			Type:        ScheduleImmediate,
			ScheduledAt: &scheduledAt,
		},
		Status:           StatusScheduled,
		ParentCampaignID: &parentID,
	}
}

// RetryFailedCampaigns reschedules and redispatches failed campaigns still
// under the retry cap. Runs on the tick only when configured; always
// available as an explicit trigger.
func (co *Coordinator) RetryFailedCampaigns(ctx context.Context) {
	failed, err := co.campaigns.FindRetryable(ctx, co.cfg.MaxRetries, co.cfg.FetchLimit)
	if err != nil {
		co.log.Error("fetch failed campaigns failed", "error", err)
		atomic.AddInt64(&co.errs, 1)
		return
	}

	for _, c := range failed {
		c.Progress.RetryCount++
		if err := co.campaigns.UpdateProgress(ctx, c.ID, c.Progress, c.Analytics.Recipients); err != nil {
			co.log.Error("persist retry count failed", "campaign_id", c.ID, "error", err)
			atomic.AddInt64(&co.errs, 1)
			continue
		}
		if err := co.campaigns.UpdateStatus(ctx, c.ID, StatusScheduled, StatusFailed); err != nil {
			co.log.Error("reschedule failed campaign failed", "campaign_id", c.ID, "error", err)
			atomic.AddInt64(&co.errs, 1)
			continue
		}

		co.log.Info("retrying failed campaign", "campaign_id", c.ID,
			"retry", c.Progress.RetryCount)

		if err := co.dispatcher.Dispatch(ctx, c.ID); err != nil {
			co.log.Error("retry dispatch failed", "campaign_id", c.ID, "error", err)
			atomic.AddInt64(&co.errs, 1)
			if ShouldMarkFailed(err) {
				co.markFailed(ctx, c.ID, err)
			}
			continue
		}
		atomic.AddInt64(&co.dispatched, 1)
	}
}

// markFailed moves a campaign to failed and appends the dispatch error to
// its progress record.
func (co *Coordinator) markFailed(ctx context.Context, id uuid.UUID, dispatchErr error) {
	if err := co.campaigns.UpdateStatus(ctx, id, StatusFailed, StatusScheduled, StatusSending); err != nil {
		co.log.Error("mark failed failed", "campaign_id", id, "error", err)
		return
	}
	c, err := co.campaigns.GetCampaign(ctx, id)
	if err != nil {
		co.log.Error("load failed campaign failed", "campaign_id", id, "error", err)
		return
	}
	c.Progress.Errors = append(c.Progress.Errors, SendError{
		Error:     dispatchErr.Error(),
		Timestamp: time.Now(),
	})
	if err := co.campaigns.UpdateProgress(ctx, id, c.Progress, c.Analytics.Recipients); err != nil {
		co.log.Error("persist failure record failed", "campaign_id", id, "error", err)
	}
}

// ShouldFire decides whether a recurring campaign is due at now. A template
// that has never fired is due immediately (subject to the day gates).
func ShouldFire(spec *RecurringSpec, now time.Time) bool {
	elapsed := func(min time.Duration) bool {
		if spec.LastSentAt == nil {
			return true
		}
		return now.Sub(*spec.LastSentAt) >= min
	}

	switch spec.Frequency {
	case FrequencyDaily:
		return elapsed(24 * time.Hour)
	case FrequencyWeekly:
		if spec.DayOfWeek != nil && int(now.Weekday()) != *spec.DayOfWeek {
			return false
		}
		return elapsed(7 * 24 * time.Hour)
	case FrequencyBiweekly:
		return elapsed(14 * 24 * time.Hour)
	case FrequencyMonthly:
		if spec.DayOfMonth != nil && now.Day() != *spec.DayOfMonth {
			return false
		}
		return elapsed(30 * 24 * time.Hour)
	}
	return false
}
