package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/prognosis/internal/model"
)

// ExportCompleted builds export-ready results from every completed session.
// Sessions whose case was deleted are exported without the case fields.
func ExportCompleted(ctx context.Context, s Store) (model.PracticeExport, error) {
	export := model.PracticeExport{ExportedAt: time.Now().UTC(), Results: []model.SessionResult{}}

	numCases, err := s.CaseCount(ctx)
	if err != nil {
		return export, fmt.Errorf("count cases: %w", err)
	}
	export.NumCases = numCases

	sessions, err := s.ListCompletedSessions(ctx, time.Time{})
	if err != nil {
		return export, fmt.Errorf("list sessions: %w", err)
	}

	users := make(map[string]model.User)
	cases := make(map[string]*model.Case)
	for _, sess := range sessions {
		user, ok := users[sess.UserID]
		if !ok {
			user, err = s.GetUserByID(ctx, sess.UserID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return export, fmt.Errorf("get user %s: %w", sess.UserID, err)
			}
			users[sess.UserID] = user
		}

		c, ok := cases[sess.CaseID]
		if !ok {
			got, err := s.GetCase(ctx, sess.CaseID)
			switch {
			case err == nil:
				c = &got
			case !errors.Is(err, ErrNotFound):
				return export, fmt.Errorf("get case %s: %w", sess.CaseID, err)
			}
			cases[sess.CaseID] = c
		}

		conv := make([]model.ConversationMsg, 0, 2*len(sess.Transcript))
		for _, t := range sess.Transcript {
			conv = append(conv,
				model.ConversationMsg{Role: "student", Content: t.Question, At: t.Timestamp},
				model.ConversationMsg{Role: "patient", Content: t.Answer, At: t.Timestamp},
			)
		}

		r := model.SessionResult{
			SessionID:    sess.ID,
			UserID:       sess.UserID,
			DisplayName:  user.DisplayName(),
			CaseID:       sess.CaseID,
			StartedAt:    sess.StartedAt,
			Conversation: conv,
		}
		if c != nil {
			r.PatientName = c.PatientName
			r.CaseType = c.CaseType
			r.CorrectDiagnosis = c.CorrectDiagnosis
			r.CorrectTreatment = c.CorrectTreatment
		}
		if sess.Diagnosis != nil {
			r.Diagnosis = *sess.Diagnosis
		}
		if sess.Treatment != nil {
			r.Treatment = *sess.Treatment
		}
		if sess.Score != nil {
			r.Score = *sess.Score
		}
		if sess.Feedback != nil {
			r.Feedback = *sess.Feedback
		}
		if sess.CompletedAt != nil {
			r.CompletedAt = *sess.CompletedAt
		}
		export.Results = append(export.Results, r)
	}
	return export, nil
}
