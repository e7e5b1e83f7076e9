package rank_test

import (
	"testing"
	"time"

	"github.com/koopa0/system-design/14-study-lobby/internal/rank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWindowStart 測試週期起點計算
func TestWindowStart(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)

	// 2024-06-12 星期三 15:30（台北時間）
	now := time.Date(2024, 6, 12, 15, 30, 0, 0, loc)

	tests := []struct {
		period rank.Period
		now    time.Time
		want   time.Time
	}{
		{rank.Daily, now, time.Date(2024, 6, 12, 0, 0, 0, 0, loc)},
		{rank.Weekly, now, time.Date(2024, 6, 10, 0, 0, 0, 0, loc)},
		{rank.Monthly, now, time.Date(2024, 6, 1, 0, 0, 0, 0, loc)},
		{rank.Yearly, now, time.Date(2024, 1, 1, 0, 0, 0, 0, loc)},
		// 星期日屬於前一個星期一開始的週
		{rank.Weekly, time.Date(2024, 6, 16, 23, 0, 0, 0, loc), time.Date(2024, 6, 10, 0, 0, 0, 0, loc)},
		// 跨年的週
		{rank.Weekly, time.Date(2025, 1, 2, 8, 0, 0, 0, loc), time.Date(2024, 12, 30, 0, 0, 0, 0, loc)},
		// UTC 時間換算後已是隔天
		{rank.Daily, time.Date(2024, 6, 12, 17, 0, 0, 0, time.UTC), time.Date(2024, 6, 13, 0, 0, 0, 0, loc)},
	}

	for _, tt := range tests {
		t.Run(string(tt.period)+" "+tt.now.Format(time.RFC3339), func(t *testing.T) {
			got := rank.WindowStart(tt.period, tt.now, loc)
			assert.True(t, tt.want.Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

// TestPeriodsEndingAt 測試午夜時需要重置的週期
func TestPeriodsEndingAt(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)

	tests := []struct {
		name string
		at   time.Time
		want []rank.Period
	}{
		{"ordinary wednesday", time.Date(2024, 6, 12, 0, 0, 0, 0, loc), []rank.Period{rank.Daily}},
		{"monday", time.Date(2024, 6, 10, 0, 0, 0, 0, loc), []rank.Period{rank.Daily, rank.Weekly}},
		{"first of month", time.Date(2024, 6, 1, 0, 0, 0, 0, loc), []rank.Period{rank.Daily, rank.Monthly}},
		{"new year on monday", time.Date(2024, 1, 1, 0, 0, 0, 0, loc), []rank.Period{rank.Daily, rank.Weekly, rank.Monthly, rank.Yearly}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rank.PeriodsEndingAt(tt.at, loc))
		})
	}

	next := rank.NextMidnight(time.Date(2024, 12, 31, 23, 59, 0, 0, loc), loc)
	assert.True(t, time.Date(2025, 1, 1, 0, 0, 0, 0, loc).Equal(next))
}

// TestParsePeriod 測試週期解析
func TestParsePeriod(t *testing.T) {
	for _, p := range rank.Periods {
		got, err := rank.ParsePeriod(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := rank.ParsePeriod("hourly")
	assert.Error(t, err)
}
