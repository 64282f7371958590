package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCronDescription(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		expected string
	}{
		{"every 30 minutes", "0 */30 * * * *", "Every 30 minutes"},
		{"every 6 hours", "0 0 */6 * * *", "Every 6 hours"},
		{"daily at midnight", "0 0 0 * * *", "Daily at midnight"},
		{"every minute", "* * * * * *", "Every minute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CronDescription(tt.expr))
		})
	}
}

func TestNumber(t *testing.T) {
	assert.Equal(t, "1,234,567", Number(1234567))
	assert.Equal(t, "42", Number(42))
}

func TestNumberCompact(t *testing.T) {
	assert.Equal(t, "1.2M", NumberCompact(1234567))
	assert.Equal(t, "950", NumberCompact(950))
}
