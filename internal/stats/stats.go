// Package stats aggregates completed sessions into leaderboards and profiles.
package stats

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pavelanni/prognosis/internal/model"
)

const (
	// PassingScore is the minimum score that continues a streak.
	PassingScore = 70
	// PerfectScore counts toward perfectScores.
	PerfectScore = 100

	recentActivityLimit = 5
	trendWindow         = 5
)

// ParseTimeframe validates a timeframe query value. Empty means all.
func ParseTimeframe(s string) (model.Timeframe, error) {
	switch tf := model.Timeframe(s); tf {
	case "":
		return model.TimeframeAll, nil
	case model.TimeframeWeek, model.TimeframeMonth, model.TimeframeYear, model.TimeframeAll:
		return tf, nil
	default:
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
}

// Since returns the lower completion bound of tf, or the zero time for all.
func Since(tf model.Timeframe, now time.Time) time.Time {
	switch tf {
	case model.TimeframeWeek:
		return now.AddDate(0, 0, -7)
	case model.TimeframeMonth:
		return now.AddDate(0, -1, 0)
	case model.TimeframeYear:
		return now.AddDate(-1, 0, 0)
	default:
		return time.Time{}
	}
}

// RankingScore weighs average score, volume and perfect scores into one integer.
func RankingScore(averageScore float64, totalSessions, perfectScores int) int {
	return int(math.Round(averageScore*0.7 + float64(totalSessions)*0.2 + float64(perfectScores)*0.1))
}

type accumulator struct {
	total, count, perfect int
	minutes               float64
	timed                 int
}

func (a *accumulator) add(sess model.Session) {
	if sess.Score == nil {
		return
	}
	a.total += *sess.Score
	a.count++
	if *sess.Score == PerfectScore {
		a.perfect++
	}
	if sess.CompletedAt != nil && !sess.StartedAt.IsZero() {
		a.minutes += sess.CompletedAt.Sub(sess.StartedAt).Minutes()
		a.timed++
	}
}

func (a *accumulator) average() float64 {
	if a.count == 0 {
		return 0
	}
	return float64(a.total) / float64(a.count)
}

func (a *accumulator) averageTime() float64 {
	if a.timed == 0 {
		return 0
	}
	return round1(a.minutes / float64(a.timed))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// BuildLeaderboard ranks every user with at least one completed session in
// sessions. Users missing from users are shown as anonymous.
func BuildLeaderboard(sessions []model.Session, users map[string]model.User, tf model.Timeframe, now time.Time) model.Leaderboard {
	accs := make(map[string]*accumulator)
	for _, sess := range sessions {
		if !sess.Completed() {
			continue
		}
		a, ok := accs[sess.UserID]
		if !ok {
			a = &accumulator{}
			accs[sess.UserID] = a
		}
		a.add(sess)
	}

	entries := make([]model.LeaderboardEntry, 0, len(accs))
	for userID, a := range accs {
		if a.count == 0 {
			continue
		}
		u := users[userID]
		avg := a.average()
		entries = append(entries, model.LeaderboardEntry{
			UserID:        userID,
			Name:          u.DisplayName(),
			PhotoURL:      u.PhotoURL,
			AverageScore:  avg,
			TotalSessions: a.count,
			PerfectScores: a.perfect,
			AverageTime:   a.averageTime(),
			RankingScore:  RankingScore(avg, a.count, a.perfect),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		ei, ej := entries[i], entries[j]
		if ei.RankingScore != ej.RankingScore {
			return ei.RankingScore > ej.RankingScore
		}
		if ei.AverageScore != ej.AverageScore {
			return ei.AverageScore > ej.AverageScore
		}
		if ei.TotalSessions != ej.TotalSessions {
			return ei.TotalSessions > ej.TotalSessions
		}
		return ei.UserID < ej.UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
		entries[i].AverageScore = round1(entries[i].AverageScore)
	}

	return model.Leaderboard{Timeframe: tf, GeneratedAt: now, Entries: entries}
}

// Streaks returns the trailing and the longest run of passing scores in
// chronological order.
func Streaks(scores []int) (current, longest int) {
	run := 0
	for _, s := range scores {
		if s >= PassingScore {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	return run, longest
}

// ImprovementRate is the mean of the latest scores minus the mean of the
// earliest ones. The two windows never overlap and are at most five sessions
// wide each.
func ImprovementRate(scores []int) float64 {
	if len(scores) < 2 {
		return 0
	}
	w := min(trendWindow, len(scores)/2)
	return round1(mean(scores[len(scores)-w:]) - mean(scores[:w]))
}

func mean(xs []int) float64 {
	sum := 0
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

// chronological returns the completed sessions ordered by completion time.
func chronological(sessions []model.Session) []model.Session {
	var out []model.Session
	for _, sess := range sessions {
		if sess.Completed() && sess.Score != nil {
			out = append(out, sess)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return completedAt(out[i]).Before(completedAt(out[j]))
	})
	return out
}

func completedAt(sess model.Session) time.Time {
	if sess.CompletedAt != nil {
		return *sess.CompletedAt
	}
	return sess.StartedAt
}

// ComputeStatistics aggregates one user's sessions.
func ComputeStatistics(sessions []model.Session) model.Statistics {
	var st model.Statistics
	for _, sess := range sessions {
		if sess.Status == model.StatusActive {
			st.ActiveSessions++
		}
	}

	done := chronological(sessions)
	scores := make([]int, 0, len(done))
	var acc accumulator
	for _, sess := range done {
		acc.add(sess)
		scores = append(scores, *sess.Score)
		st.BestScore = max(st.BestScore, *sess.Score)
	}

	st.TotalSessions = acc.count
	st.TotalScore = acc.total
	st.AverageScore = round1(acc.average())
	st.AverageTime = acc.averageTime()
	st.CurrentStreak, st.LongestStreak = Streaks(scores)
	st.ImprovementRate = ImprovementRate(scores)
	return st
}

// RecentActivity lists the most recently completed sessions, newest first.
// patients maps case IDs to patient names.
func RecentActivity(sessions []model.Session, patients map[string]string) []model.Activity {
	done := chronological(sessions)
	activity := make([]model.Activity, 0, recentActivityLimit)
	for i := len(done) - 1; i >= 0 && len(activity) < recentActivityLimit; i-- {
		sess := done[i]
		a := model.Activity{
			SessionID: sess.ID,
			CaseID:    sess.CaseID,
			Patient:   patients[sess.CaseID],
			Score:     *sess.Score,
			Date:      completedAt(sess),
		}
		if sess.Diagnosis != nil {
			a.Diagnosis = *sess.Diagnosis
		}
		activity = append(activity, a)
	}
	return activity
}
