package rank

import (
	"time"

	apperrors "github.com/koopa0/system-design/14-study-lobby/pkg/errors"
)

// Period 排行榜週期
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
	Yearly  Period = "yearly"
)

// Periods 所有週期，依時間長度排列
var Periods = []Period{Daily, Weekly, Monthly, Yearly}

// ParsePeriod 解析週期名稱
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case Daily, Weekly, Monthly, Yearly:
		return p, nil
	default:
		return "", apperrors.ErrUnknownPeriod.WithDetails(s)
	}
}

// WindowStart 返回 t 所在週期的起點（loc 時區的午夜）
//
// 週從星期一開始
func WindowStart(p Period, t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

	switch p {
	case Weekly:
		// time.Sunday == 0，換算成星期一為 0
		offset := (int(midnight.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	case Yearly:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc)
	default:
		return midnight
	}
}

// NextMidnight 返回 t 之後的下一個午夜
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}

// PeriodsEndingAt 返回在 midnight 這個時間點結束的週期
//
// 每天都會結束 daily；星期一開始新的一週；每月 1 日開始新的月；1 月 1 日開始新的一年
func PeriodsEndingAt(midnight time.Time, loc *time.Location) []Period {
	midnight = midnight.In(loc)
	periods := []Period{Daily}
	if midnight.Weekday() == time.Monday {
		periods = append(periods, Weekly)
	}
	if midnight.Day() == 1 {
		periods = append(periods, Monthly)
		if midnight.Month() == time.January {
			periods = append(periods, Yearly)
		}
	}
	return periods
}
