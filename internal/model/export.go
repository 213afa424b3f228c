package model

import "time"

// PracticeExport is the top-level JSON structure for session export.
type PracticeExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	NumCases   int             `json:"num_cases"`
	Results    []SessionResult `json:"results"`
}

// SessionResult holds one graded session for export.
type SessionResult struct {
	SessionID        string            `json:"session_id"`
	UserID           string            `json:"user_id"`
	DisplayName      string            `json:"display_name"`
	CaseID           string            `json:"case_id"`
	PatientName      string            `json:"patient_name"`
	CaseType         CaseType          `json:"case_type"`
	CorrectDiagnosis string            `json:"correct_diagnosis"`
	CorrectTreatment string            `json:"correct_treatment"`
	Diagnosis        string            `json:"diagnosis"`
	Treatment        string            `json:"treatment"`
	Score            int               `json:"score"`
	Feedback         string            `json:"feedback"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      time.Time         `json:"completed_at"`
	Conversation     []ConversationMsg `json:"conversation"`
}

// ConversationMsg is a single message in an exported conversation.
type ConversationMsg struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}
