// Package esp provides the email transport boundary. Implementations report
// per-message success or failure; bounce classification arrives later via
// provider webhooks, not from Send.
package esp

import (
	"context"
	"fmt"
)

// Message is one outbound email, fully personalized and instrumented.
type Message struct {
	To           string
	Subject      string
	HTML         string
	Text         string
	FromName     string
	FromEmail    string
	ReplyTo      string
	Headers      map[string]string
	CampaignID   string
	SubscriberID string
}

// Result is the transport's verdict for one message. Error holds the
// provider failure reason when Success is false.
type Result struct {
	Success   bool
	MessageID string
	Error     string
}

// Transport delivers a single email. Implementations must honor ctx
// cancellation; the dispatcher bounds every call with a timeout.
type Transport interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
	Name() string
}

// AddUnsubscribeHeaders sets the one-click List-Unsubscribe headers on msg.
func AddUnsubscribeHeaders(msg *Message, unsubscribeURL string) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	msg.Headers["List-Unsubscribe"] = fmt.Sprintf("<%s>", unsubscribeURL)
	msg.Headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
}
