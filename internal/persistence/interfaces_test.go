package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeRange_Contains(t *testing.T) {
	from := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)
	tr := TimeRange{From: from, To: from.Add(time.Hour)}

	tests := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"start_inclusive", from, true},
		{"end_inclusive", from.Add(time.Hour), true},
		{"inside", from.Add(30 * time.Minute), true},
		{"before", from.Add(-time.Nanosecond), false},
		{"after", from.Add(time.Hour + time.Nanosecond), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Contains(tt.ts))
		})
	}
}

func TestAuditRecord_Allowed(t *testing.T) {
	assert.True(t, AuditRecord{Outcome: OutcomeAllow}.Allowed())
	assert.False(t, AuditRecord{Outcome: OutcomeBlock}.Allowed())
	assert.False(t, AuditRecord{}.Allowed())
}
