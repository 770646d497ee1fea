package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vaxflow/internal/domain"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name         string
		attemptCount int
		maxAttempts  int
		failed       bool
		want         Decision
	}{
		{"success keeps count", 0, 3, false, Decision{domain.StatusSuccess, 0}},
		{"success after retries keeps count", 2, 3, false, Decision{domain.StatusSuccess, 2}},
		{"first failure retries", 0, 3, true, Decision{domain.StatusFailedRetry, 1}},
		{"second failure retries", 1, 3, true, Decision{domain.StatusFailedRetry, 2}},
		{"last failure is terminal", 2, 3, true, Decision{domain.StatusFailed, 3}},
		{"ceiling of two", 1, 2, true, Decision{domain.StatusFailed, 2}},
		{"ceiling of one fails immediately", 0, 1, true, Decision{domain.StatusFailed, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.attemptCount, tt.maxAttempts, tt.failed))
		})
	}
}

func TestDecideNeverExceedsCeiling(t *testing.T) {
	for attempts := 0; attempts < 10; attempts++ {
		d := Decide(attempts, 3, true)
		assert.LessOrEqual(t, d.AttemptCount, attempts+1)
		if attempts+1 >= 3 {
			assert.Equal(t, domain.StatusFailed, d.Status)
		}
	}
}
