package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-engine/internal/esp"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// DispatcherConfig tunes the batch send loop.
type DispatcherConfig struct {
	// BatchSize is the number of subscribers sent concurrently per batch.
	BatchSize int
	// BatchDelay is the pause between batches, protecting the transport
	// from burst rates.
	BatchDelay time.Duration
	// SendTimeout bounds each individual transport call so one hung send
	// cannot stall a batch.
	SendTimeout time.Duration
	// LeaseTTL bounds how long a crashed dispatch loop can block
	// redispatch. The loop extends its lease after every batch, so a live
	// loop never expires.
	LeaseTTL time.Duration
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:   100,
		BatchDelay:  time.Second,
		SendTimeout: 30 * time.Second,
		LeaseTTL:    60 * time.Second,
	}
}

func (c *DispatcherConfig) applyDefaults() {
	d := DefaultDispatcherConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = d.BatchDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
}

// LeaseFactory creates a lease for a campaign key. Production binds this to
// distlock.New over redis or the database; tests inject their own.
type LeaseFactory func(key string, ttl time.Duration) distlock.Lease

// Dispatcher drives the send loop for one campaign at a time: audience
// resolution, batching, concurrent transport fan-out, progress persistence
// and cooperative pause/cancel at batch boundaries.
type Dispatcher struct {
	campaigns    CampaignStore
	events       EventStore
	resolver     *AudienceResolver
	personalizer *ContentPersonalizer
	transport    esp.Transport
	recorder     *TrackingRecorder
	leases       LeaseFactory
	cfg          DispatcherConfig
	log          *logger.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(campaigns CampaignStore, events EventStore, resolver *AudienceResolver,
	personalizer *ContentPersonalizer, transport esp.Transport, recorder *TrackingRecorder,
	leases LeaseFactory, cfg DispatcherConfig) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		campaigns:    campaigns,
		events:       events,
		resolver:     resolver,
		personalizer: personalizer,
		transport:    transport,
		recorder:     recorder,
		leases:       leases,
		cfg:          cfg,
		log:          logger.Component("dispatcher"),
	}
}

// Dispatch runs the full send loop for the campaign. It is a silent no-op
// when another dispatch already holds the campaign's lease. When the
// campaign is resumed after a pause, the audience is re-resolved and
// subscribers that already have a sent event are skipped.
//
// Pause and cancel take effect at batch boundaries: in-flight sends of the
// current batch always complete first.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID uuid.UUID) error {
	c, err := d.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("dispatch: load campaign: %w", err)
	}

	// Audience resolution happens before any state change so an empty or
	// malformed audience leaves the campaign untouched.
	subscribers, err := d.resolver.Resolve(ctx, c)
	if err != nil {
		return fmt.Errorf("dispatch campaign %s: %w", c.ID, err)
	}
	resolvedCount := len(subscribers)

	lease := d.leases(fmt.Sprintf("campaign:%s", c.ID), d.cfg.LeaseTTL)
	acquired, err := lease.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("dispatch campaign %s: acquire lease: %w", c.ID, err)
	}
	if !acquired {
		// Another dispatch is in flight; overlapping scheduler ticks and
		// manual triggers land here.
		d.log.Info("dispatch already in flight", "campaign_id", c.ID)
		return nil
	}
	defer lease.Release(context.WithoutCancel(ctx))

	resuming := c.Status == StatusSending
	if !resuming {
		if err := d.campaigns.UpdateStatus(ctx, c.ID, StatusSending, StatusDraft, StatusScheduled); err != nil {
			return fmt.Errorf("dispatch campaign %s: %w", c.ID, err)
		}
	} else {
		// Re-dispatch after pause/resume: skip recipients already sent to.
		sentIDs, err := d.events.SentSubscriberIDs(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("dispatch campaign %s: load sent recipients: %w", c.ID, err)
		}
		remaining := subscribers[:0]
		for _, sub := range subscribers {
			if !sentIDs[sub.ID] {
				remaining = append(remaining, sub)
			}
		}
		subscribers = remaining
	}

	now := time.Now()
	progress := c.Progress
	if progress.StartedAt == nil {
		progress.StartedAt = &now
	}
	progress.CurrentBatch = 0
	progress.TotalBatches = (len(subscribers) + d.cfg.BatchSize - 1) / d.cfg.BatchSize
	progress.CompletedAt = nil

	if err := d.campaigns.UpdateProgress(ctx, c.ID, progress, resolvedCount); err != nil {
		return fmt.Errorf("dispatch campaign %s: init progress: %w", c.ID, err)
	}

	d.log.Info("dispatch started", "campaign_id", c.ID,
		"recipients", len(subscribers), "batches", progress.TotalBatches)

	sentTotal := 0
	for i := 0; i < len(subscribers); i += d.cfg.BatchSize {
		end := i + d.cfg.BatchSize
		if end > len(subscribers) {
			end = len(subscribers)
		}
		batch := subscribers[i:end]
		batchNum := i/d.cfg.BatchSize + 1

		// Cooperative cancellation: status is re-read at every batch
		// boundary. Remaining subscribers stay unsent.
		cur, err := d.campaigns.GetCampaign(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("dispatch campaign %s: re-read status: %w", c.ID, err)
		}
		if cur.Status == StatusPaused || cur.Status == StatusCancelled {
			d.log.Info("dispatch stopped", "campaign_id", c.ID,
				"status", cur.Status, "batches_done", batchNum-1)
			return nil
		}

		sent, errs := d.sendBatch(ctx, c, batch)
		sentTotal += sent
		progress.Errors = append(progress.Errors, errs...)

		batchDone := time.Now()
		progress.CurrentBatch = batchNum
		progress.LastProcessedAt = &batchDone

		// A persistence failure here is fatal to this invocation: the
		// campaign stays in sending and the lease expires by TTL.
		if err := d.campaigns.UpdateProgress(ctx, c.ID, progress, resolvedCount); err != nil {
			return fmt.Errorf("dispatch campaign %s: persist batch %d: %w", c.ID, batchNum, err)
		}
		if err := lease.Extend(ctx); err != nil {
			d.log.Warn("lease extend failed", "campaign_id", c.ID, "error", err)
		}

		if end < len(subscribers) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.BatchDelay):
			}
		}
	}

	if sentTotal == 0 && len(subscribers) > 0 {
		if err := d.campaigns.UpdateStatus(ctx, c.ID, StatusFailed, StatusSending); err != nil {
			d.log.Error("status update failed", "campaign_id", c.ID, "error", err)
		}
		return fmt.Errorf("dispatch campaign %s: all %d sends failed", c.ID, len(subscribers))
	}

	done := time.Now()
	progress.CompletedAt = &done
	if err := d.campaigns.UpdateProgress(ctx, c.ID, progress, resolvedCount); err != nil {
		return fmt.Errorf("dispatch campaign %s: persist completion: %w", c.ID, err)
	}
	if err := d.campaigns.UpdateStatus(ctx, c.ID, StatusSent, StatusSending); err != nil {
		return fmt.Errorf("dispatch campaign %s: %w", c.ID, err)
	}

	d.log.Info("dispatch completed", "campaign_id", c.ID, "sent", sentTotal,
		"errors", len(progress.Errors))
	return nil
}

// sendBatch fans out one batch concurrently and collects per-subscriber
// outcomes. Transport failures never abort the batch.
func (d *Dispatcher) sendBatch(ctx context.Context, c *Campaign, batch []*Subscriber) (int, []SendError) {
	var (
		mu   sync.Mutex
		errs []SendError
		sent int
		wg   sync.WaitGroup
	)

	for _, sub := range batch {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			if err := d.sendOne(ctx, c, sub); err != nil {
				mu.Lock()
				errs = append(errs, SendError{
					SubscriberID: sub.ID,
					Email:        sub.Email,
					Error:        err.Error(),
					Timestamp:    time.Now(),
				})
				mu.Unlock()
				return
			}
			mu.Lock()
			sent++
			mu.Unlock()
		}(sub)
	}
	wg.Wait()

	return sent, errs
}

func (d *Dispatcher) sendOne(ctx context.Context, c *Campaign, sub *Subscriber) error {
	msg := &esp.Message{
		To:           sub.Email,
		Subject:      d.personalizer.Personalize(c.Subject, sub, c),
		HTML:         d.personalizer.Instrument(c.Content.HTML, sub, c),
		Text:         d.personalizer.Personalize(c.Content.PlainText, sub, c),
		FromName:     c.Sender.Name,
		FromEmail:    c.Sender.Email,
		ReplyTo:      c.Sender.ReplyTo,
		CampaignID:   c.ID.String(),
		SubscriberID: sub.ID.String(),
	}
	esp.AddUnsubscribeHeaders(msg, d.personalizer.UnsubscribeURL(sub))

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	result, err := d.transport.Send(sendCtx, msg)
	if err != nil {
		return fmt.Errorf("send via %s: %w", d.transport.Name(), err)
	}
	if !result.Success {
		return fmt.Errorf("send via %s: %s", d.transport.Name(), result.Error)
	}

	if _, err := d.recorder.Record(ctx, c.ID, sub.ID, EventSent,
		EventMetadata{MessageID: result.MessageID}); err != nil {
		// The email went out; a failed sent-event write is logged, not a
		// send failure.
		d.log.Error("sent event not recorded", "campaign_id", c.ID,
			"subscriber_id", sub.ID, "error", err)
	}
	return nil
}

// Pause stops an in-flight campaign at the next batch boundary. Valid only
// from sending.
func (d *Dispatcher) Pause(ctx context.Context, campaignID uuid.UUID) error {
	return d.campaigns.UpdateStatus(ctx, campaignID, StatusPaused, StatusSending)
}

// Resume moves a paused campaign back to sending. The caller re-invokes
// Dispatch to continue the loop.
func (d *Dispatcher) Resume(ctx context.Context, campaignID uuid.UUID) error {
	return d.campaigns.UpdateStatus(ctx, campaignID, StatusSending, StatusPaused)
}

// Cancel terminally cancels a campaign from draft, scheduled or paused.
func (d *Dispatcher) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	return d.campaigns.UpdateStatus(ctx, campaignID, StatusCancelled,
		StatusDraft, StatusScheduled, StatusPaused)
}

// ShouldMarkFailed reports whether a dispatch error should move the campaign
// to failed. Empty-audience aborts leave the campaign untouched by contract.
func ShouldMarkFailed(err error) bool {
	return err != nil && !errors.Is(err, ErrNoSubscribers)
}
