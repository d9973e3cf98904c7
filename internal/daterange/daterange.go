package daterange

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DayFormat 是对外请求与展示统一使用的日期格式。
const DayFormat = "2006-01-02"

// ErrInvalidRange 表示起止日期缺失或顺序颠倒，属于本地校验错误，不会发起网络请求。
var ErrInvalidRange = errors.New("invalid date range")

// DateRange 表示一个闭区间日历日期范围。
// 所有比较都只看日历日：解析时把时分秒截断为 UTC 零点，之后不再携带时间部分。
type DateRange struct {
	Start time.Time
	End   time.Time
}

var parseLayouts = []string{
	DayFormat,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// ParseDay 解析单个日期输入并截断到 UTC 当天零点。
func ParseDay(input string) (time.Time, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: 日期不能为空", ErrInvalidRange)
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return Truncate(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: 无法解析日期 %q", ErrInvalidRange, input)
}

// Truncate 把时间截断到 UTC 当天零点。
func Truncate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Parse 解析起止日期输入，两者都必须存在且 start <= end。
func Parse(start, end string) (DateRange, error) {
	s, err := ParseDay(start)
	if err != nil {
		return DateRange{}, fmt.Errorf("start_date: %w", err)
	}
	e, err := ParseDay(end)
	if err != nil {
		return DateRange{}, fmt.Errorf("end_date: %w", err)
	}
	return New(s, e)
}

// New 由两个时间构造范围，自动截断到日历日。
func New(start, end time.Time) (DateRange, error) {
	s, e := Truncate(start), Truncate(end)
	if s.After(e) {
		return DateRange{}, fmt.Errorf("%w: start %s 晚于 end %s", ErrInvalidRange, s.Format(DayFormat), e.Format(DayFormat))
	}
	return DateRange{Start: s, End: e}, nil
}

func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Contains 判断 other 是否完全落在 r 内（闭区间）。
func (r DateRange) Contains(other DateRange) bool {
	return !other.Start.Before(r.Start) && !other.End.After(r.End)
}

// Union 返回能同时覆盖两个范围的最小范围（取并集的外包络，保证无缝）。
func Union(a, b DateRange) DateRange {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	out := a
	if b.Start.Before(out.Start) {
		out.Start = b.Start
	}
	if b.End.After(out.End) {
		out.End = b.End
	}
	return out
}

// StartDay / EndDay 返回请求用的日期字符串。
func (r DateRange) StartDay() string { return r.Start.Format(DayFormat) }
func (r DateRange) EndDay() string   { return r.End.Format(DayFormat) }

func (r DateRange) String() string {
	return r.StartDay() + ".." + r.EndDay()
}
