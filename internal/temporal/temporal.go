// Package temporal pulls calendar references ("yesterday", "May 3rd",
// "去年") out of free text so retrieval can favour memories from that time.
package temporal

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Filter holds calendar parts keyed year, month, day and weekday.
type Filter map[string]string

const (
	Year    = "year"
	Month   = "month"
	Day     = "day"
	Weekday = "weekday"

	eventPrefix = "event_"
)

var months = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "sept": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
	"日": time.Sunday, "天": time.Sunday, "一": time.Monday, "二": time.Tuesday,
	"三": time.Wednesday, "四": time.Thursday, "五": time.Friday, "六": time.Saturday,
}

// relative day phrases, longest first so "day before yesterday" wins over "yesterday"
var relativeDays = []struct {
	phrase string
	offset int
}{
	{"day before yesterday", -2},
	{"day after tomorrow", 2},
	{"yesterday", -1},
	{"tomorrow", 1},
	{"today", 0},
	{"tonight", 0},
	{"前天", -2},
	{"后天", 2},
	{"昨天", -1},
	{"昨日", -1},
	{"明天", 1},
	{"今天", 0},
	{"今日", 0},
}

var relativeMonths = []struct {
	phrase string
	offset int
}{
	{"last month", -1}, {"this month", 0}, {"next month", 1},
	{"上个月", -1}, {"上月", -1}, {"这个月", 0}, {"本月", 0}, {"下个月", 1}, {"下月", 1},
}

var relativeYears = []struct {
	phrase string
	offset int
}{
	{"last year", -1}, {"this year", 0}, {"next year", 1},
	{"前年", -2}, {"去年", -1}, {"今年", 0}, {"明年", 1},
}

var (
	isoDate     = regexp.MustCompile(`\b(\d{4})[-/](\d{1,2})[-/](\d{1,2})\b`)
	monthDay    = regexp.MustCompile(`\b(in |on )?(jan|january|feb|february|mar|march|apr|april|may|jun|june|jul|july|aug|august|sep|sept|september|oct|october|nov|november|dec|december)\b\.?(?:\s+(\d{1,2})(?:st|nd|rd|th)?\b)?(?:,?\s+(\d{4})\b)?`)
	yearOnly    = regexp.MustCompile(`\b(?:in |since |of )(\d{4})\b`)
	weekdayWord = regexp.MustCompile(`\b(sunday|monday|tuesday|wednesday|thursday|friday|saturday)\b`)
	zhYear      = regexp.MustCompile(`(\d{4})年`)
	zhMonth     = regexp.MustCompile(`(\d{1,2})月`)
	zhDay       = regexp.MustCompile(`(\d{1,2})[日号]`)
	zhWeekday   = regexp.MustCompile(`(?:星期|周|礼拜)([一二三四五六日天])`)
)

// Extract returns the calendar parts referenced in text, resolving relative
// phrases against ref. Explicit dates override relative ones.
func Extract(text string, ref time.Time) Filter {
	f := Filter{}
	lower := strings.ToLower(text)

	for _, r := range relativeYears {
		if strings.Contains(lower, r.phrase) {
			f[Year] = strconv.Itoa(ref.Year() + r.offset)
			break
		}
	}
	for _, r := range relativeMonths {
		if strings.Contains(lower, r.phrase) {
			t := ref.AddDate(0, r.offset, 0)
			f[Year] = strconv.Itoa(t.Year())
			f[Month] = strconv.Itoa(int(t.Month()))
			break
		}
	}
	for _, r := range relativeDays {
		if strings.Contains(lower, r.phrase) {
			f.setDate(ref.AddDate(0, 0, r.offset))
			break
		}
	}

	if m := weekdayWord.FindStringSubmatch(lower); m != nil {
		f[Weekday] = weekdays[m[1]].String()
	}
	if m := zhWeekday.FindStringSubmatch(text); m != nil {
		f[Weekday] = weekdays[m[1]].String()
	}

	if m := yearOnly.FindStringSubmatch(lower); m != nil {
		f[Year] = m[1]
	}
	for _, m := range monthDay.FindAllStringSubmatch(lower, -1) {
		// "may" is only a month with a preposition or a number next to it
		if m[2] == "may" && m[1] == "" && m[3] == "" && m[4] == "" {
			continue
		}
		f[Month] = strconv.Itoa(int(months[m[2]]))
		if m[3] != "" {
			f[Day] = trimZero(m[3])
		}
		if m[4] != "" {
			f[Year] = m[4]
		}
		break
	}

	if m := zhYear.FindStringSubmatch(text); m != nil {
		f[Year] = m[1]
	}
	if m := zhMonth.FindStringSubmatch(text); m != nil {
		f[Month] = trimZero(m[1])
	}
	if m := zhDay.FindStringSubmatch(text); m != nil {
		f[Day] = trimZero(m[1])
	}

	if m := isoDate.FindStringSubmatch(text); m != nil {
		f[Year] = m[1]
		f[Month] = trimZero(m[2])
		f[Day] = trimZero(m[3])
	}
	return f
}

// Contains reports whether text references any point in time.
func Contains(text string) bool {
	return len(Extract(text, time.Now())) > 0
}

func (f Filter) setDate(t time.Time) {
	f[Year] = strconv.Itoa(t.Year())
	f[Month] = strconv.Itoa(int(t.Month()))
	f[Day] = strconv.Itoa(t.Day())
	f[Weekday] = t.Weekday().String()
}

// EventMeta returns f with keys prefixed for storage as event-time metadata.
func (f Filter) EventMeta() map[string]string {
	out := make(map[string]string, len(f))
	for k, v := range f {
		out[eventPrefix+k] = v
	}
	return out
}

// Matches reports whether meta satisfies every part of f. Event-time parts
// are preferred; a node without them is judged by its creation time.
func (f Filter) Matches(meta map[string]string) bool {
	if len(f) == 0 {
		return false
	}
	for k, want := range f {
		got, ok := meta[eventPrefix+k]
		if !ok {
			got = meta[k]
		}
		if got != want {
			return false
		}
	}
	return true
}

func trimZero(s string) string {
	n, err := strconv.Atoi(s)
	if err != nil {
		return s
	}
	return strconv.Itoa(n)
}
