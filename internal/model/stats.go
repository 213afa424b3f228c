package model

import "time"

// Timeframe bounds which completed sessions count toward the leaderboard.
type Timeframe string

const (
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
	TimeframeYear  Timeframe = "year"
	TimeframeAll   Timeframe = "all"
)

// LeaderboardEntry is one ranked user.
type LeaderboardEntry struct {
	Rank          int     `json:"rank"`
	UserID        string  `json:"id"`
	Name          string  `json:"name"`
	PhotoURL      string  `json:"photoURL,omitempty"`
	AverageScore  float64 `json:"averageScore"`
	TotalSessions int     `json:"totalSessions"`
	PerfectScores int     `json:"perfectScores"`
	AverageTime   float64 `json:"averageTime"`
	RankingScore  int     `json:"score"`
}

// Leaderboard is a computed ranking for one timeframe.
type Leaderboard struct {
	Timeframe   Timeframe          `json:"timeframe"`
	GeneratedAt time.Time          `json:"generatedAt"`
	Entries     []LeaderboardEntry `json:"leaderboard"`
}

// Statistics are per-user aggregates over completed sessions.
type Statistics struct {
	TotalSessions   int     `json:"totalSessions"`
	ActiveSessions  int     `json:"activeSessions"`
	TotalScore      int     `json:"totalScore"`
	AverageScore    float64 `json:"averageScore"`
	BestScore       int     `json:"bestScore"`
	CurrentStreak   int     `json:"currentStreak"`
	LongestStreak   int     `json:"longestStreak"`
	ImprovementRate float64 `json:"improvementRate"`
	AverageTime     float64 `json:"averageTime"`
}

// Achievement is an earned badge. Name and Description are filled in by the
// presentation layer from the achievement ID.
type Achievement struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Activity is one recently completed session on a profile.
type Activity struct {
	SessionID string    `json:"session_id"`
	CaseID    string    `json:"case"`
	Patient   string    `json:"patient"`
	Diagnosis string    `json:"diagnosis"`
	Score     int       `json:"score"`
	Date      time.Time `json:"date"`
}

// ProfileUser is the user block of a profile.
type ProfileUser struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email,omitempty"`
	PhotoURL string    `json:"photoURL,omitempty"`
	Created  time.Time `json:"created"`
}

// Profile is the full profile payload.
type Profile struct {
	User           ProfileUser   `json:"user"`
	Statistics     Statistics    `json:"statistics"`
	Achievements   []Achievement `json:"achievements"`
	RecentActivity []Activity    `json:"recentActivity"`
}
