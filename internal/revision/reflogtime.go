package revision

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var relativeAgoPattern = regexp.MustCompile(`(?i)^(\d+)\s*(second|minute|hour|day|week|month|year)s?\s*ago$`)

// nowFunc is a seam for tests; production code always sees time.Now.
var nowFunc = time.Now

// parseApproxDate resolves the handful of git approxidate forms a
// "@{...}" reflog lookup commonly carries: "now", "yesterday", and
// "<n> <unit> ago". Anything else falls back to a few fixed layouts.
func parseApproxDate(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(trimmed) {
	case "now":
		return nowFunc(), nil
	case "yesterday":
		return nowFunc().AddDate(0, 0, -1), nil
	}
	if m := relativeAgoPattern.FindStringSubmatch(trimmed); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, errf(UnconsumedInput, s)
		}
		return agoFrom(nowFunc(), n, strings.ToLower(m[2])), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errf(UnconsumedInput, s)
}

func agoFrom(from time.Time, n int, unit string) time.Time {
	switch unit {
	case "second":
		return from.Add(-time.Duration(n) * time.Second)
	case "minute":
		return from.Add(-time.Duration(n) * time.Minute)
	case "hour":
		return from.Add(-time.Duration(n) * time.Hour)
	case "day":
		return from.AddDate(0, 0, -n)
	case "week":
		return from.AddDate(0, 0, -7*n)
	case "month":
		return from.AddDate(0, -n, 0)
	case "year":
		return from.AddDate(-n, 0, 0)
	default:
		return from
	}
}
