// Package practice runs case practice sessions: case assignment, the patient
// conversation and grading.
package practice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pavelanni/prognosis/internal/apierr"
	"github.com/pavelanni/prognosis/internal/catalog"
	"github.com/pavelanni/prognosis/internal/llm/prompts"
	"github.com/pavelanni/prognosis/internal/model"
	"github.com/pavelanni/prognosis/internal/store"
)

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Invalidator is notified when completed sessions change.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// StartResult is returned by StartCase.
type StartResult struct {
	SessionID string           `json:"session_id"`
	CaseID    string           `json:"case_id"`
	Case      model.PublicCase `json:"case"`
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	Score            int    `json:"score"`
	Feedback         string `json:"feedback"`
	CorrectDiagnosis string `json:"correct_diagnosis"`
	CorrectTreatment string `json:"correct_treatment"`
}

// Service implements the practice operations on top of a Store and an LLM.
type Service struct {
	store store.Store
	llm   Generator
	stats Invalidator
	now   func() time.Time
	pick  func(n int) int
}

// NewService creates a practice service. inv may be nil.
func NewService(s store.Store, g Generator, inv Invalidator) *Service {
	return &Service{
		store: s,
		llm:   g,
		stats: inv,
		now:   func() time.Time { return time.Now().UTC() },
		pick:  rand.IntN,
	}
}

func upstream(err error) error {
	return apierr.Upstream("StoreFailed", err)
}

// StartCase assigns userID a case they have not attempted and opens an active
// session for it. When every case has been attempted a new one is synthesized.
func (s *Service) StartCase(ctx context.Context, userID string) (StartResult, error) {
	sessions, err := s.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return StartResult{}, upstream(fmt.Errorf("list sessions: %w", err))
	}
	attempted := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		attempted[sess.CaseID] = true
	}

	cases, err := s.store.ListCases(ctx)
	if err != nil {
		return StartResult{}, upstream(fmt.Errorf("list cases: %w", err))
	}
	var available []model.Case
	var seen []string
	for _, c := range cases {
		if attempted[c.ID] {
			seen = append(seen, c.CorrectDiagnosis)
			continue
		}
		available = append(available, c)
	}

	var chosen model.Case
	if len(available) > 0 {
		chosen = available[s.pick(len(available))]
	} else {
		chosen = s.synthesize(ctx, seen)
		id, err := s.store.InsertCase(ctx, chosen)
		if err != nil {
			return StartResult{}, upstream(fmt.Errorf("insert synthesized case: %w", err))
		}
		chosen.ID = id
		slog.Info("synthesized case", "case", id, "user", userID, "diagnosis", chosen.CorrectDiagnosis)
	}

	sessionID, err := s.store.CreateSession(ctx, model.Session{
		UserID:     userID,
		CaseID:     chosen.ID,
		Transcript: []model.Turn{},
		Status:     model.StatusActive,
		StartedAt:  s.now(),
	})
	if err != nil {
		return StartResult{}, upstream(fmt.Errorf("create session: %w", err))
	}
	slog.Info("session started", "session", sessionID, "user", userID, "case", chosen.ID)
	return StartResult{SessionID: sessionID, CaseID: chosen.ID, Case: chosen.Public()}, nil
}

// synthesize asks the model for a case outside exclude and falls back to the
// degenerate case on any failure.
func (s *Service) synthesize(ctx context.Context, exclude []string) model.Case {
	prompt, err := prompts.BuildSynthesisPrompt(exclude)
	if err != nil {
		slog.Warn("case synthesis prompt failed, using fallback", "error", err)
		return catalog.Fallback()
	}
	text, err := s.llm.Generate(ctx, prompt)
	if err != nil {
		slog.Warn("case synthesis failed, using fallback", "error", err)
		return catalog.Fallback()
	}
	c, err := prompts.ParseCase(text)
	if err != nil {
		slog.Warn("synthesized case unparsable, using fallback", "error", err)
		return catalog.Fallback()
	}
	return c
}

// loadOwned loads a session and its case, enforcing ownership.
func (s *Service) loadOwned(ctx context.Context, sessionID, userID string) (model.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return sess, apierr.NotFound("SessionNotFound")
	}
	if err != nil {
		return sess, upstream(fmt.Errorf("get session: %w", err))
	}
	if sess.UserID != userID {
		return sess, apierr.Forbidden("SessionForbidden")
	}
	return sess, nil
}

func (s *Service) loadActive(ctx context.Context, sessionID, userID string) (model.Session, model.Case, error) {
	sess, err := s.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return sess, model.Case{}, err
	}
	if sess.Completed() {
		return sess, model.Case{}, apierr.Conflict("SessionCompleted")
	}
	c, err := s.store.GetCase(ctx, sess.CaseID)
	if errors.Is(err, store.ErrNotFound) {
		return sess, c, apierr.NotFound("CaseNotFound")
	}
	if err != nil {
		return sess, c, upstream(fmt.Errorf("get case: %w", err))
	}
	return sess, c, nil
}

func writeError(err error) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return apierr.Conflict("SessionConflict")
	case errors.Is(err, store.ErrNotFound):
		return apierr.NotFound("SessionNotFound")
	default:
		return upstream(err)
	}
}

// Respond asks the simulated patient a question and appends the exchange to
// the session transcript.
func (s *Service) Respond(ctx context.Context, sessionID, userID, question string) (string, error) {
	if sessionID == "" || strings.TrimSpace(question) == "" {
		return "", apierr.Validation("QuestionRequired")
	}
	sess, c, err := s.loadActive(ctx, sessionID, userID)
	if err != nil {
		return "", err
	}

	prompt, err := prompts.BuildPatientPrompt(c, sess.Transcript, question)
	if err != nil {
		return "", apierr.Upstream("LLMFailed", err)
	}
	answer, err := s.llm.Generate(ctx, prompt)
	if err != nil {
		return "", apierr.Upstream("LLMFailed", err)
	}

	transcript := append(sess.Transcript, model.Turn{Question: question, Answer: answer, Timestamp: s.now()})
	if err := s.store.UpdateTranscript(ctx, sess.ID, sess.Version, transcript); err != nil {
		return "", writeError(err)
	}
	return answer, nil
}

// Submit grades a diagnosis and treatment, completing the session.
func (s *Service) Submit(ctx context.Context, sessionID, userID, diagnosis, treatment string) (SubmitResult, error) {
	if sessionID == "" || strings.TrimSpace(diagnosis) == "" || strings.TrimSpace(treatment) == "" {
		return SubmitResult{}, apierr.Validation("SubmissionRequired")
	}
	sess, c, err := s.loadActive(ctx, sessionID, userID)
	if err != nil {
		return SubmitResult{}, err
	}

	prompt, err := prompts.BuildFeedbackPrompt(c, diagnosis, treatment)
	if err != nil {
		return SubmitResult{}, apierr.Upstream("LLMFailed", err)
	}
	feedback, err := s.llm.Generate(ctx, prompt)
	if err != nil {
		return SubmitResult{}, apierr.Upstream("LLMFailed", err)
	}

	score := Score(c, diagnosis, treatment)
	grade := model.Grade{
		Diagnosis:   diagnosis,
		Treatment:   treatment,
		Score:       score,
		Feedback:    feedback,
		CompletedAt: s.now(),
	}
	if err := s.store.CompleteSession(ctx, sess.ID, sess.Version, grade); err != nil {
		return SubmitResult{}, writeError(err)
	}
	slog.Info("session graded", "session", sess.ID, "user", userID, "score", score)

	if s.stats != nil {
		s.stats.Invalidate(ctx)
	}
	return SubmitResult{
		Score:            score,
		Feedback:         feedback,
		CorrectDiagnosis: c.CorrectDiagnosis,
		CorrectTreatment: c.CorrectTreatment,
	}, nil
}

// ListSessions returns the user's sessions, newest first. Sessions whose case
// no longer exists are skipped.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]model.SessionSummary, error) {
	sessions, err := s.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return nil, upstream(fmt.Errorf("list sessions: %w", err))
	}
	cases := make(map[string]*model.Case)
	summaries := []model.SessionSummary{}
	for _, sess := range sessions {
		c, ok := cases[sess.CaseID]
		if !ok {
			got, err := s.store.GetCase(ctx, sess.CaseID)
			switch {
			case err == nil:
				c = &got
			case !errors.Is(err, store.ErrNotFound):
				return nil, upstream(fmt.Errorf("get case: %w", err))
			}
			cases[sess.CaseID] = c
		}
		if c == nil {
			continue
		}
		summaries = append(summaries, model.SessionSummary{
			SessionID:      sess.ID,
			PatientName:    c.PatientName,
			ChiefComplaint: c.ChiefComplaint,
			Status:         sess.Status,
			Score:          sess.Score,
			StartedAt:      sess.StartedAt,
			CompletedAt:    sess.CompletedAt,
		})
	}
	return summaries, nil
}

// GetSession returns the owner's view of a session. Case is nil when the case
// was deleted.
func (s *Service) GetSession(ctx context.Context, sessionID, userID string) (model.SessionView, error) {
	sess, err := s.loadOwned(ctx, sessionID, userID)
	if err != nil {
		return model.SessionView{}, err
	}
	view := model.SessionView{
		SessionID:   sess.ID,
		Transcript:  sess.Transcript,
		Status:      sess.Status,
		Diagnosis:   sess.Diagnosis,
		Treatment:   sess.Treatment,
		Score:       sess.Score,
		Feedback:    sess.Feedback,
		StartedAt:   sess.StartedAt,
		CompletedAt: sess.CompletedAt,
	}
	c, err := s.store.GetCase(ctx, sess.CaseID)
	switch {
	case err == nil:
		pub := c.Public()
		view.Case = &pub
	case !errors.Is(err, store.ErrNotFound):
		return view, upstream(fmt.Errorf("get case: %w", err))
	}
	return view, nil
}
