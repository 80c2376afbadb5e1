package esp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
)

const defaultSparkPostBaseURL = "https://api.sparkpost.com"

// SparkPostTransport sends email through the SparkPost transmissions API.
type SparkPostTransport struct {
	apiKey     string
	apiURL     string
	httpClient httpretry.Doer
}

// NewSparkPostTransport creates a SparkPost transport. baseURL overrides the
// production API host when non-empty (used by tests). timeout bounds each
// API call; zero falls back to 30s. Transient API failures are retried with
// backoff.
func NewSparkPostTransport(apiKey, baseURL string, timeout time.Duration) *SparkPostTransport {
	if baseURL == "" {
		baseURL = defaultSparkPostBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SparkPostTransport{
		apiKey:     apiKey,
		apiURL:     strings.TrimRight(baseURL, "/") + "/api/v1/transmissions",
		httpClient: httpretry.New(&http.Client{Timeout: timeout}, 3),
	}
}

// Name identifies the transport in logs and progress errors.
func (t *SparkPostTransport) Name() string { return "sparkpost" }

// Send delivers one message via the transmissions endpoint. Engine-side
// tracking is injected into the HTML upstream, so SparkPost's own open and
// click tracking stays off.
func (t *SparkPostTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	payload := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.To}},
		},
		"content": map[string]interface{}{
			"from":     map[string]string{"name": msg.FromName, "email": msg.FromEmail},
			"subject":  msg.Subject,
			"html":     msg.HTML,
			"text":     msg.Text,
			"reply_to": msg.ReplyTo,
			"headers":  msg.Headers,
		},
		"options": map[string]interface{}{
			"open_tracking":  false,
			"click_tracking": false,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal transmission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sparkpost request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Result{Success: false, Error: fmt.Sprintf("sparkpost status %d: %s", resp.StatusCode, b)}, nil
	}

	var out struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	json.NewDecoder(resp.Body).Decode(&out)

	return &Result{Success: true, MessageID: out.Results.ID}, nil
}
