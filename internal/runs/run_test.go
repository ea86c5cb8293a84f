package runs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending_to_running", StatusPending, StatusRunning, true},
		{"pending_to_failed_enqueue_failure", StatusPending, StatusFailed, true},
		{"pending_to_completed_skips_running", StatusPending, StatusCompleted, false},
		{"running_to_completed", StatusRunning, StatusCompleted, true},
		{"running_to_failed", StatusRunning, StatusFailed, true},
		{"running_back_to_pending", StatusRunning, StatusPending, false},
		{"completed_is_terminal", StatusCompleted, StatusRunning, false},
		{"completed_to_failed", StatusCompleted, StatusFailed, false},
		{"failed_is_terminal", StatusFailed, StatusPending, false},
		{"failed_to_running", StatusFailed, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusPending.Active())
	assert.True(t, StatusRunning.Active())
	assert.False(t, StatusCompleted.Active())
	assert.False(t, StatusFailed.Active())

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
