package campaign

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    CampaignStatus
		to      CampaignStatus
		allowed bool
	}{
		{StatusDraft, StatusScheduled, true},
		{StatusDraft, StatusSending, true},
		{StatusDraft, StatusCancelled, true},
		{StatusDraft, StatusSent, false},
		{StatusScheduled, StatusSending, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusScheduled, StatusFailed, true},
		{StatusScheduled, StatusPaused, false},
		{StatusSending, StatusSent, true},
		{StatusSending, StatusPaused, true},
		{StatusSending, StatusFailed, true},
		{StatusSending, StatusCancelled, false},
		{StatusPaused, StatusSending, true},
		{StatusPaused, StatusCancelled, true},
		{StatusPaused, StatusSent, false},
		{StatusFailed, StatusScheduled, true},
		{StatusFailed, StatusSending, false},
		// Terminal states
		{StatusSent, StatusSending, false},
		{StatusSent, StatusScheduled, false},
		{StatusCancelled, StatusScheduled, false},
		{StatusCancelled, StatusDraft, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, CheckTransition(StatusDraft, StatusScheduled))

	err := CheckTransition(StatusSent, StatusSending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "sent -> sending")
}
