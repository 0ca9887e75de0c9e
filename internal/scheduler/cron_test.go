package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronParser_Parse(t *testing.T) {
	parser := NewCronParser()

	tests := []struct {
		name       string
		expression string
		wantErr    bool
	}{
		{"every minute", "* * * * *", false},
		{"hourly at zero", "0 * * * *", false},
		{"weekdays in office hours", "0 9-17 * * 1-5", false},
		{"steps", "*/5 * * * *", false},
		{"hourly descriptor", "@hourly", false},
		{"every descriptor", "@every 10s", false},
		{"too few fields", "* * *", true},
		{"seconds field", "0 0 * * * *", true},
		{"bad minute", "61 * * * *", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.Parse(tt.expression)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCronParser_NextRun(t *testing.T) {
	parser := NewCronParser()
	after := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	next, err := parser.NextRun("@hourly", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC), next)

	next, err = parser.NextRun("0 3 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 16, 3, 0, 0, 0, time.UTC), next)

	next, err = parser.NextRun(Every(10*time.Second), after)
	require.NoError(t, err)
	assert.Equal(t, after.Add(10*time.Second), next)
}

func TestEvery(t *testing.T) {
	assert.Equal(t, "@every 10s", Every(10*time.Second))
	assert.Equal(t, "@every 1s", Every(100*time.Millisecond))
	assert.Equal(t, "@every 1h0m0s", Every(time.Hour))
}
