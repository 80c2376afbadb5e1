package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler serves the tracking surface, the subscriber self-service pages,
// the transport webhook and the campaign trigger API.
type Handler struct {
	store       Store
	recorder    *TrackingRecorder
	dispatcher  *Dispatcher
	coordinator *Coordinator
	log         *logger.Logger
}

func NewHandler(store Store, recorder *TrackingRecorder, dispatcher *Dispatcher, coordinator *Coordinator) *Handler {
	return &Handler{
		store:       store,
		recorder:    recorder,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		log:         logger.Component("http"),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/track/open/{campaignID}/{subscriberID}", h.HandleOpen)
	r.Get("/track/click/{campaignID}/{subscriberID}", h.HandleClick)
	r.Get("/unsubscribe/{token}", h.HandleUnsubscribe)
	r.Get("/confirm/{token}", h.HandleConfirm)
	r.Post("/webhooks/transport", h.HandleTransportWebhook)

	r.Route("/api/campaigns/{campaignID}", func(r chi.Router) {
		r.Post("/send", h.HandleSend)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
		r.Post("/cancel", h.HandleCancel)
		r.Post("/retry", h.HandleRetry)
		r.Get("/stats", h.HandleStats)
	})

	r.Post("/api/scheduler/tick", h.HandleSchedulerTick)

	r.Get("/health", h.HandleHealth)
	return r
}

// HandleSchedulerTick forces an immediate coordinator pass over due,
// recurring and retryable campaigns instead of waiting for the next poll
// interval. The pass runs in the background.
func (h *Handler) HandleSchedulerTick(w http.ResponseWriter, r *http.Request) {
	go h.coordinator.Tick(context.Background())
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "ticking"})
}

// HandleOpen records an open and serves the pixel. The pixel is served on
// every path, including bad IDs, so broken links never render in the mail
// client.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	campaignID, subscriberID, err := trackingIDs(r)
	if err != nil {
		h.servePixel(w)
		return
	}

	meta := EventMetadata{
		UserAgent: r.UserAgent(),
		IPAddress: realIP(r),
	}
	if _, err := h.recorder.Record(r.Context(), campaignID, subscriberID, EventOpened, meta); err != nil {
		h.log.Error("record open failed", "campaign_id", campaignID,
			"subscriber_id", subscriberID, "error", err)
	}
	h.servePixel(w)
}

// HandleClick records a click and redirects to the destination. The url
// query parameter must be an absolute http(s) URL.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	campaignID, subscriberID, err := trackingIDs(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tracking link")
		return
	}

	target := r.URL.Query().Get("url")
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		respondError(w, http.StatusBadRequest, "invalid destination url")
		return
	}

	meta := EventMetadata{
		LinkURL:   target,
		UserAgent: r.UserAgent(),
		IPAddress: realIP(r),
	}
	if _, err := h.recorder.Record(r.Context(), campaignID, subscriberID, EventClicked, meta); err != nil {
		h.log.Error("record click failed", "campaign_id", campaignID,
			"subscriber_id", subscriberID, "error", err)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleUnsubscribe opts a subscriber out by token. The optional c query
// parameter attributes the unsubscribe to a campaign.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	sub, err := h.store.GetByUnsubscribeToken(r.Context(), token)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown unsubscribe token")
		return
	}

	campaignID, cidErr := uuid.Parse(r.URL.Query().Get("c"))
	if cidErr == nil {
		if _, err := h.recorder.Record(r.Context(), campaignID, sub.ID, EventUnsubscribed, EventMetadata{
			UserAgent: r.UserAgent(),
			IPAddress: realIP(r),
		}); err != nil {
			h.log.Error("record unsubscribe failed", "subscriber_id", sub.ID, "error", err)
		}
	} else if err := h.store.UpdateSubscriberStatus(r.Context(), sub.ID, SubscriberUnsubscribed, time.Now()); err != nil {
		h.log.Error("unsubscribe update failed", "subscriber_id", sub.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "unsubscribe failed")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

// HandleConfirm completes double opt-in. Expired tokens get 410 so the
// signup flow can prompt for a fresh confirmation mail.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	sub, err := h.store.GetByConfirmToken(r.Context(), token)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown confirmation token")
		return
	}

	if sub.ConfirmExpiresAt != nil && time.Now().After(*sub.ConfirmExpiresAt) {
		respondError(w, http.StatusGone, "confirmation link expired")
		return
	}

	if sub.Status == SubscriberPending {
		if err := h.store.UpdateSubscriberStatus(r.Context(), sub.ID, SubscriberSubscribed, time.Now()); err != nil {
			h.log.Error("confirm update failed", "subscriber_id", sub.ID, "error", err)
			respondError(w, http.StatusInternalServerError, "confirmation failed")
			return
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>Subscription confirmed</h1>
		<p>You are now on the list.</p>
	</body></html>`))
}

// transportWebhook is the payload posted by the mail provider's event
// webhook, normalized by the ingress proxy to one event per request.
type transportWebhook struct {
	Type         string    `json:"type"` // delivery, bounce, complaint
	CampaignID   uuid.UUID `json:"campaign_id"`
	SubscriberID uuid.UUID `json:"subscriber_id"`
	BounceType   string    `json:"bounce_type,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
}

// HandleTransportWebhook ingests provider delivery, bounce and complaint
// notifications.
func (h *Handler) HandleTransportWebhook(w http.ResponseWriter, r *http.Request) {
	var payload transportWebhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var eventType EventType
	meta := EventMetadata{MessageID: payload.MessageID}
	switch strings.ToLower(payload.Type) {
	case "delivery", "delivered":
		eventType = EventDelivered
	case "bounce":
		eventType = EventBounced
		meta.BounceType = BounceType(payload.BounceType)
		if !meta.BounceType.Valid() {
			meta.BounceType = BounceSoft
		}
		meta.BounceReason = payload.Reason
	case "complaint":
		eventType = EventComplained
	default:
		respondError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	if _, err := h.recorder.Record(r.Context(), payload.CampaignID, payload.SubscriberID, eventType, meta); err != nil {
		h.log.Error("webhook event failed", "type", payload.Type,
			"campaign_id", payload.CampaignID, "error", err)
		respondError(w, http.StatusInternalServerError, "event not recorded")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// HandleSend starts dispatch for a draft or scheduled campaign. The send
// runs in the background; the response only acknowledges the trigger.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	if _, err := h.store.GetCampaign(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}

	go func() {
		ctx := context.Background()
		if err := h.dispatcher.Dispatch(ctx, id); err != nil {
			h.log.Error("manual dispatch failed", "campaign_id", id, "error", err)
			if ShouldMarkFailed(err) {
				if uerr := h.store.UpdateStatus(ctx, id, StatusFailed, StatusScheduled, StatusSending); uerr != nil {
					h.log.Error("mark failed failed", "campaign_id", id, "error", uerr)
				}
			}
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "sending"})
}

func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.dispatcher.Pause, "paused")
}

func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	if err := h.dispatcher.Resume(r.Context(), id); err != nil {
		respondTransitionError(w, err)
		return
	}

	// The resumed dispatch skips subscribers already sent to.
	go func() {
		if err := h.dispatcher.Dispatch(context.Background(), id); err != nil {
			h.log.Error("resume dispatch failed", "campaign_id", id, "error", err)
		}
	}()

	respondJSON(w, http.StatusOK, map[string]string{"status": "sending"})
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.dispatcher.Cancel, "cancelled")
}

// HandleRetry reschedules a failed campaign and redispatches it, regardless
// of the automatic retry policy.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if c.Status != StatusFailed {
		respondError(w, http.StatusConflict, "campaign is not failed")
		return
	}

	c.Progress.RetryCount++
	if err := h.store.UpdateProgress(r.Context(), id, c.Progress, c.Analytics.Recipients); err != nil {
		respondError(w, http.StatusInternalServerError, "retry bookkeeping failed")
		return
	}
	if err := h.store.UpdateStatus(r.Context(), id, StatusScheduled, StatusFailed); err != nil {
		respondTransitionError(w, err)
		return
	}

	go func() {
		if err := h.dispatcher.Dispatch(context.Background(), id); err != nil {
			h.log.Error("retry dispatch failed", "campaign_id", id, "error", err)
		}
	}()

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "scheduled",
		"retry":  strconv.Itoa(c.Progress.RetryCount),
	})
}

// HandleStats returns the campaign's derived statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	respondJSON(w, http.StatusOK, c.CalculateStats())
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// transition runs a status transition and maps guard failures to 409.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) error, result string) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	if err := fn(r.Context(), id); err != nil {
		respondTransitionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": result})
}

func respondTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		respondError(w, http.StatusNotFound, "campaign not found")
	case errors.Is(err, ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func trackingIDs(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	subscriberID, err := uuid.Parse(chi.URLParam(r, "subscriberID"))
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return campaignID, subscriberID, nil
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
