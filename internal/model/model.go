package model

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents an account. Statistics are derived from sessions, never stored here.
type User struct {
	ID           string    `json:"id" firestore:"-"`
	Email        string    `json:"email,omitempty" firestore:"email"`
	Name         string    `json:"name" firestore:"name"`
	PhotoURL     string    `json:"photoURL,omitempty" firestore:"photo_url"`
	PasswordHash string    `json:"-" firestore:"password_hash"`
	ExternalUID  string    `json:"-" firestore:"external_uid"`
	AuthProvider string    `json:"-" firestore:"auth_provider"`
	Role         UserRole  `json:"role" firestore:"role"`
	CreatedAt    time.Time `json:"created" firestore:"created_at"`
}

// DisplayName returns the name shown on boards and profiles.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	for i := 0; i < len(u.Email); i++ {
		if u.Email[i] == '@' {
			return u.Email[:i]
		}
	}
	if u.Email != "" {
		return u.Email
	}
	return "Anonymous"
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// CaseType tags where a case came from.
type CaseType string

const (
	CaseTypePredefined  CaseType = "predefined"
	CaseTypeAIGenerated CaseType = "ai_generated"
)

// Vitals are the presenting vital signs of a case.
type Vitals struct {
	BloodPressure    string  `json:"blood_pressure" firestore:"blood_pressure"`
	HeartRate        Measure `json:"heart_rate" firestore:"heart_rate"`
	Temperature      Measure `json:"temperature" firestore:"temperature"`
	RespiratoryRate  Measure `json:"respiratory_rate" firestore:"respiratory_rate"`
	OxygenSaturation Measure `json:"oxygen_saturation" firestore:"oxygen_saturation"`
}

var leadingNumber = regexp.MustCompile(`[-+]?\d+(?:[.,]\d+)?`)

// Measure is a numeric vital sign. It decodes from a JSON number or from a
// string such as "118 bpm" or "89%", keeping the first number in it. Strings
// without a number and null decode to zero.
type Measure float64

func (m *Measure) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		num := strings.Replace(leadingNumber.FindString(s), ",", ".", 1)
		if num == "" {
			*m = 0
			return nil
		}
		data = []byte(num)
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("measure %s: %w", data, err)
	}
	*m = Measure(f)
	return nil
}

// ImagingStudy is one imaging attachment of a case, keyed by modality on the case.
type ImagingStudy struct {
	Description string   `json:"description" firestore:"description"`
	Findings    []string `json:"findings" firestore:"findings"`
}

// Case is an immutable catalog entry. The answer key and role-play instruction
// must never reach a client before the session is graded; see PublicCase.
type Case struct {
	ID                string                  `json:"id,omitempty" firestore:"-"`
	Key               string                  `json:"key,omitempty" firestore:"key"`
	PatientName       string                  `json:"patient_name" firestore:"patient_name"`
	Age               int                     `json:"age" firestore:"age"`
	Gender            string                  `json:"gender" firestore:"gender"`
	ChiefComplaint    string                  `json:"chief_complaint" firestore:"chief_complaint"`
	Vitals            Vitals                  `json:"vitals" firestore:"vitals"`
	History           string                  `json:"history" firestore:"history"`
	SystemInstruction string                  `json:"system_instruction" firestore:"system_instruction"`
	CorrectDiagnosis  string                  `json:"correct_diagnosis" firestore:"correct_diagnosis"`
	CorrectTreatment  string                  `json:"correct_treatment" firestore:"correct_treatment"`
	CaseType          CaseType                `json:"case_type" firestore:"case_type"`
	Imaging           map[string]ImagingStudy `json:"imaging,omitempty" firestore:"imaging,omitempty"`
}

// PublicCase is the redacted view of a case returned to students.
type PublicCase struct {
	PatientName    string                  `json:"patient_name"`
	Age            int                     `json:"age"`
	Gender         string                  `json:"gender"`
	ChiefComplaint string                  `json:"chief_complaint"`
	Vitals         Vitals                  `json:"vitals"`
	History        string                  `json:"history"`
	CaseType       CaseType                `json:"case_type"`
	Imaging        map[string]ImagingStudy `json:"imaging,omitempty"`
}

// Public returns the case without its answer key and role-play instruction.
func (c Case) Public() PublicCase {
	caseType := c.CaseType
	if caseType == "" {
		caseType = CaseTypePredefined
	}
	return PublicCase{
		PatientName:    c.PatientName,
		Age:            c.Age,
		Gender:         c.Gender,
		ChiefComplaint: c.ChiefComplaint,
		Vitals:         c.Vitals,
		History:        c.History,
		CaseType:       caseType,
		Imaging:        c.Imaging,
	}
}

// SessionStatus represents the status of a practice session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Turn is one question/answer exchange in a session transcript.
type Turn struct {
	Question  string    `json:"user_input" firestore:"user_input"`
	Answer    string    `json:"ai_response" firestore:"ai_response"`
	Timestamp time.Time `json:"timestamp" firestore:"timestamp"`
}

// Session is one user's attempt at one case. The grading fields are all nil
// while active and all set once completed.
type Session struct {
	ID          string        `json:"session_id" firestore:"-"`
	UserID      string        `json:"user_id" firestore:"user_id"`
	CaseID      string        `json:"case_id" firestore:"case_id"`
	Transcript  []Turn        `json:"chat_history" firestore:"chat_history"`
	Status      SessionStatus `json:"status" firestore:"status"`
	StartedAt   time.Time     `json:"started_at" firestore:"started_at"`
	CompletedAt *time.Time    `json:"completed_at" firestore:"completed_at"`
	Diagnosis   *string       `json:"diagnosis" firestore:"diagnosis"`
	Treatment   *string       `json:"treatment" firestore:"treatment"`
	Score       *int          `json:"score" firestore:"score"`
	Feedback    *string       `json:"feedback" firestore:"feedback"`
	Version     int64         `json:"-" firestore:"version"`
}

// Completed reports whether the session has been graded.
func (s Session) Completed() bool {
	return s.Status == StatusCompleted
}

// Grade holds the fields written when a session completes.
type Grade struct {
	Diagnosis   string
	Treatment   string
	Score       int
	Feedback    string
	CompletedAt time.Time
}

// SessionSummary is one row of a user's session list.
type SessionSummary struct {
	SessionID      string        `json:"session_id"`
	PatientName    string        `json:"patient_name"`
	ChiefComplaint string        `json:"chief_complaint"`
	Status         SessionStatus `json:"status"`
	Score          *int          `json:"score"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at"`
}

// SessionView is the detail view of a session for its owner.
type SessionView struct {
	SessionID   string        `json:"session_id"`
	Case        *PublicCase   `json:"case"`
	Transcript  []Turn        `json:"chat_history"`
	Status      SessionStatus `json:"status"`
	Diagnosis   *string       `json:"diagnosis"`
	Treatment   *string       `json:"treatment"`
	Score       *int          `json:"score"`
	Feedback    *string       `json:"feedback"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at"`
}
