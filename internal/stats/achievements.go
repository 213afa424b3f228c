package stats

import "github.com/pavelanni/prognosis/internal/model"

// Rule awards an achievement once Value reaches Threshold.
type Rule struct {
	ID        string
	Threshold int
	Value     func(model.Statistics) float64
}

// Earned reports whether st satisfies the rule.
func (r Rule) Earned(st model.Statistics) bool {
	return r.Value(st) >= float64(r.Threshold)
}

// Rules is the achievement table, in display order.
var Rules = []Rule{
	{"first_case", 1, func(s model.Statistics) float64 { return float64(s.TotalSessions) }},
	{"ten_cases", 10, func(s model.Statistics) float64 { return float64(s.TotalSessions) }},
	{"fifty_cases", 50, func(s model.Statistics) float64 { return float64(s.TotalSessions) }},
	{"high_achiever", 90, func(s model.Statistics) float64 { return float64(s.BestScore) }},
	{"streak_5", 5, func(s model.Statistics) float64 { return float64(s.CurrentStreak) }},
	{"streak_master", 10, func(s model.Statistics) float64 { return float64(s.LongestStreak) }},
	{"consistent", 80, func(s model.Statistics) float64 { return s.AverageScore }},
}

// RuleByID returns the rule with the given ID.
func RuleByID(id string) (Rule, bool) {
	for _, r := range Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// Achievements returns the earned achievements. Only IDs are set; names and
// descriptions are localized by the caller.
func Achievements(st model.Statistics) []model.Achievement {
	earned := []model.Achievement{}
	for _, r := range Rules {
		if r.Earned(st) {
			earned = append(earned, model.Achievement{ID: r.ID})
		}
	}
	return earned
}
