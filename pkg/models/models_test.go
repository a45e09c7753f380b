package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInterval(t *testing.T) {
	tests := []struct {
		name     string
		every    uint64
		scale    TimeScale
		want     time.Duration
		neverDue bool
	}{
		{"two minutes", 2, Minute, 2 * time.Minute, false},
		{"thirty day month", 1, Month, 30 * 24 * time.Hour, false},
		{"zero every", 0, Day, 0, false},
		{"largest representable", uint64(math.MaxInt64 / int64(time.Second)), Second, time.Duration(math.MaxInt64/int64(time.Second)) * time.Second, false},
		{"overflowing seconds", 10_000_000_000, Second, MaxInterval, true},
		{"overflowing months", math.MaxUint64, Month, MaxInterval, true},
		{"unknown scale", 5, TimeScale(42), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Order{Every: tt.every, TimeScale: tt.scale}
			assert.Equal(t, tt.want, o.Interval())
			assert.Equal(t, tt.neverDue, o.NeverDue())
			assert.GreaterOrEqual(t, o.Interval(), time.Duration(0))
		})
	}
}
