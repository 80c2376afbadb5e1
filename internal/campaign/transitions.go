package campaign

import "fmt"

// ErrInvalidTransition is returned (wrapped) when a status change is not
// permitted by the campaign lifecycle.
var ErrInvalidTransition = fmt.Errorf("invalid campaign status transition")

var allowedTransitions = map[CampaignStatus][]CampaignStatus{
	StatusDraft:     {StatusScheduled, StatusSending, StatusCancelled},
	StatusScheduled: {StatusSending, StatusCancelled, StatusFailed},
	StatusSending:   {StatusSent, StatusPaused, StatusFailed},
	StatusPaused:    {StatusSending, StatusCancelled},
	StatusFailed:    {StatusScheduled},
	// sent and cancelled are terminal
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to CampaignStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a wrapped ErrInvalidTransition if from -> to is
// not allowed.
func CheckTransition(from, to CampaignStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
