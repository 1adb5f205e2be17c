package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edupay/payment-gateway/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name      string
		current   model.TransactionStatus
		requested model.TransactionStatus
		want      bool
	}{
		{"pending to completed", model.TransactionPending, model.TransactionCompleted, true},
		{"pending to failed", model.TransactionPending, model.TransactionFailed, true},
		{"pending to pending", model.TransactionPending, model.TransactionPending, false},
		{"completed to failed", model.TransactionCompleted, model.TransactionFailed, false},
		{"completed to completed", model.TransactionCompleted, model.TransactionCompleted, false},
		{"failed to completed", model.TransactionFailed, model.TransactionCompleted, false},
		{"failed to failed", model.TransactionFailed, model.TransactionFailed, false},
		{"unknown current", model.TransactionStatus("REFUNDED"), model.TransactionCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.current, tt.requested))
		})
	}
}

func TestIsIdempotentReplay(t *testing.T) {
	assert.True(t, IsIdempotentReplay(model.TransactionCompleted, model.TransactionCompleted))
	assert.True(t, IsIdempotentReplay(model.TransactionFailed, model.TransactionFailed))

	assert.False(t, IsIdempotentReplay(model.TransactionPending, model.TransactionPending))
	assert.False(t, IsIdempotentReplay(model.TransactionCompleted, model.TransactionFailed))
	assert.False(t, IsIdempotentReplay(model.TransactionFailed, model.TransactionCompleted))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(model.TransactionFailed, model.TransactionCompleted))
	assert.True(t, IsConflict(model.TransactionCompleted, model.TransactionFailed))

	assert.False(t, IsConflict(model.TransactionCompleted, model.TransactionCompleted))
	assert.False(t, IsConflict(model.TransactionPending, model.TransactionCompleted))
}
