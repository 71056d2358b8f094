package service

import (
	"sort"
	"time"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
)

// MistakesByWorkflowStep keeps only records marked during the given stage.
func MistakesByWorkflowStep(mistakes []models.MushafMistake, step models.WorkflowStep) []models.MushafMistake {
	out := make([]models.MushafMistake, 0, len(mistakes))
	for _, m := range mistakes {
		if m.WorkflowStep == step {
			out = append(out, m)
		}
	}
	return out
}

// MistakesWithinDays keeps records whose last recurrence falls within the
// trailing window of whole days ending at now.
func MistakesWithinDays(mistakes []models.MushafMistake, days int, now time.Time) []models.MushafMistake {
	cutoff := now.AddDate(0, 0, -days)
	out := make([]models.MushafMistake, 0, len(mistakes))
	for _, m := range mistakes {
		if m.LastMarkedAt.After(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// FilterMistakesByRecency partitions by when each record last recurred and
// keeps exactly the requested bucket. TODAY is the same UTC calendar day as
// now; RECENT is strictly within the trailing window (default 7 days) but not
// today; HISTORICAL is everything older. Every record belongs to exactly one
// bucket.
func FilterMistakesByRecency(mistakes []models.MushafMistake, bucket models.RecencyBucket, now time.Time, recentWindowDays int) []models.MushafMistake {
	if recentWindowDays <= 0 {
		recentWindowDays = 7
	}
	out := make([]models.MushafMistake, 0, len(mistakes))
	for _, m := range mistakes {
		if recencyBucketOf(m.LastMarkedAt, now, recentWindowDays) == bucket {
			out = append(out, m)
		}
	}
	return out
}

func recencyBucketOf(lastMarked, now time.Time, recentWindowDays int) models.RecencyBucket {
	lastMarked = lastMarked.UTC()
	now = now.UTC()
	if sameCalendarDay(lastMarked, now) {
		return models.RecencyToday
	}
	if lastMarked.After(now.AddDate(0, 0, -recentWindowDays)) {
		return models.RecencyRecent
	}
	return models.RecencyHistorical
}

func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// CalculateMistakeStatistics aggregates the given snapshot. Pure and
// side-effect free; callers choose whether to pass the whole ledger or a
// filtered subset.
func CalculateMistakeStatistics(mistakes []models.MushafMistake) dto.MistakeStatistics {
	stats := dto.MistakeStatistics{
		Total:          len(mistakes),
		ByWorkflowStep: map[string]int{},
		ByCategory:     map[string]int{},
		ByType:         map[string]int{},
	}

	trendCounts := map[string]int{}
	for _, m := range mistakes {
		stats.ByWorkflowStep[string(m.WorkflowStep)]++
		stats.ByCategory[m.Category]++
		stats.ByType[m.Type]++
		if m.Resolved {
			stats.Resolved++
		} else {
			stats.Unresolved++
		}
		if m.RepeatCount > 1 {
			stats.RepeatOffenders++
		}
		trendCounts[m.LastMarkedAt.UTC().Format("2006-01-02")]++
	}

	stats.MostCommonTypes = make([]dto.TypeFrequency, 0, len(stats.ByType))
	for typ, count := range stats.ByType {
		stats.MostCommonTypes = append(stats.MostCommonTypes, dto.TypeFrequency{Type: typ, Count: count})
	}
	// Frequency descending, ties by type name ascending so output is stable.
	sort.Slice(stats.MostCommonTypes, func(i, j int) bool {
		if stats.MostCommonTypes[i].Count != stats.MostCommonTypes[j].Count {
			return stats.MostCommonTypes[i].Count > stats.MostCommonTypes[j].Count
		}
		return stats.MostCommonTypes[i].Type < stats.MostCommonTypes[j].Type
	})

	stats.Trend = make([]dto.TrendPoint, 0, len(trendCounts))
	for date, count := range trendCounts {
		stats.Trend = append(stats.Trend, dto.TrendPoint{Date: date, Count: count})
	}
	sort.Slice(stats.Trend, func(i, j int) bool {
		return stats.Trend[i].Date < stats.Trend[j].Date
	})

	return stats
}
