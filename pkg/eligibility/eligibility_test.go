package eligibility

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/dca-executor/pkg/models"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dueOrder(id string) models.Order {
	return models.Order{
		ID:              id,
		Owner:           "0xAbC0000000000000000000000000000000000001",
		Active:          true,
		RemainingOrders: 3,
		InputBalance:    big.NewInt(1_000_000),
		SplitAllocation: big.NewInt(100_000),
		LastExecution:   now.Add(-2 * time.Hour),
		Every:           1,
		TimeScale:       models.Hour,
		InputType:       "0x00000000000000000000000000000000000000a1",
		OutputType:      "0x00000000000000000000000000000000000000b2",
	}
}

func TestIsEligible(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *models.Order)
		want   bool
		reason string
	}{
		{"due order", func(o *models.Order) {}, true, ""},
		{"inactive", func(o *models.Order) { o.Active = false }, false, "order is inactive"},
		{"no remaining orders", func(o *models.Order) { o.RemainingOrders = 0 }, false, "no remaining orders"},
		{"zero balance", func(o *models.Order) { o.InputBalance = big.NewInt(0) }, false, "order is unfunded"},
		{"nil balance", func(o *models.Order) { o.InputBalance = nil }, false, "order is unfunded"},
		{"interval not elapsed", func(o *models.Order) { o.LastExecution = now.Add(-30 * time.Minute) }, false, "next execution in 30m0s"},
		{"exactly at boundary", func(o *models.Order) { o.LastExecution = now.Add(-time.Hour) }, true, ""},
		{"monthly schedule not elapsed", func(o *models.Order) {
			o.TimeScale = models.Month
			o.LastExecution = now.Add(-29 * 24 * time.Hour)
		}, false, "next execution in 24h0m0s"},
		{"interval overflowing duration", func(o *models.Order) {
			o.Every = 10_000_000_000
			o.TimeScale = models.Second
		}, false, "interval out of range"},
		{"largest every", func(o *models.Order) {
			o.Every = math.MaxUint64
			o.TimeScale = models.Month
			o.LastExecution = time.Unix(0, 0)
		}, false, "interval out of range"},
		{"weekly schedule elapsed", func(o *models.Order) {
			o.Every = 2
			o.TimeScale = models.Week
			o.LastExecution = now.Add(-15 * 24 * time.Hour)
		}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := dueOrder("0x01")
			tt.mutate(&o)

			ok, reason := Check(o, now)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.want, IsEligible(o, now))
		})
	}
}

func TestEvaluate(t *testing.T) {
	o := dueOrder("0x01")
	e := Evaluate(o, now)

	assert.Equal(t, now.Add(-time.Hour), e.NextExecutionTime)
	assert.Equal(t, int64(-time.Hour/time.Millisecond), e.MsUntilEligible)

	// an interval too long for time.Duration sorts last instead of first
	o.Every = 10_000_000_000
	o.TimeScale = models.Second
	e = Evaluate(o, now)
	assert.Positive(t, e.MsUntilEligible)
	assert.True(t, e.NextExecutionTime.After(now))
}

func TestFilters(t *testing.T) {
	o := dueOrder("0x01")

	assert.True(t, Filters{}.Match(o))
	assert.True(t, Filters{Owner: "0xabc0000000000000000000000000000000000001"}.Match(o), "owner match is case-insensitive")
	assert.False(t, Filters{Owner: "0xdef0000000000000000000000000000000000001"}.Match(o))
	assert.True(t, Filters{InputType: o.InputType, OutputType: o.OutputType}.Match(o))
	assert.False(t, Filters{InputType: o.InputType, OutputType: o.InputType}.Match(o))
}

func TestSelectSortsByUrgency(t *testing.T) {
	a := dueOrder("0xa")
	a.LastExecution = now.Add(-90 * time.Minute)
	b := dueOrder("0xb")
	b.LastExecution = now.Add(-5 * time.Hour)
	c := dueOrder("0xc")
	c.Active = false
	d := dueOrder("0xd")
	d.LastExecution = now.Add(-90 * time.Minute)

	got := Select([]models.Order{a, b, c, d}, now, Filters{})
	require.Len(t, got, 3)
	assert.Equal(t, "0xb", got[0].ID)
	// ties keep input order
	assert.Equal(t, "0xa", got[1].ID)
	assert.Equal(t, "0xd", got[2].ID)

	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].MsUntilEligible, got[i].MsUntilEligible)
	}
}
