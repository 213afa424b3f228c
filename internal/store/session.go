package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/prognosis/internal/model"
)

const sessionColumns = `id, user_id, case_id, chat_history, status, started_at, completed_at,
	diagnosis, treatment, score, feedback, version`

func scanSession(row rowScanner) (model.Session, error) {
	var sess model.Session
	var history string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.CaseID, &history, &sess.Status, &sess.StartedAt, &sess.CompletedAt,
		&sess.Diagnosis, &sess.Treatment, &sess.Score, &sess.Feedback, &sess.Version)
	if err != nil {
		return sess, err
	}
	if err := json.Unmarshal([]byte(history), &sess.Transcript); err != nil {
		return sess, fmt.Errorf("decode transcript of session %s: %w", sess.ID, err)
	}
	return sess, nil
}

func encodeTranscript(turns []model.Turn) (string, error) {
	if turns == nil {
		turns = []model.Turn{}
	}
	data, err := json.Marshal(turns)
	return string(data), err
}

// CreateSession stores a new active session and returns its ID.
func (s *SQLStore) CreateSession(ctx context.Context, sess model.Session) (string, error) {
	history, err := encodeTranscript(sess.Transcript)
	if err != nil {
		return "", err
	}
	if sess.Status == "" {
		sess.Status = model.StatusActive
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, case_id, chat_history, status, started_at, version)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		id, sess.UserID, sess.CaseID, history, sess.Status, sess.StartedAt.UTC(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetSession returns a session by ID.
func (s *SQLStore) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sess, ErrNotFound
	}
	return sess, err
}

// ListSessionsByUser returns a user's sessions, newest first.
func (s *SQLStore) ListSessionsByUser(ctx context.Context, userID string) ([]model.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY started_at DESC, rowid DESC`, userID)
}

// ListCompletedSessions returns all completed sessions finished at or after
// since. A zero since returns every completed session.
func (s *SQLStore) ListCompletedSessions(ctx context.Context, since time.Time) ([]model.Session, error) {
	sessions, err := s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY completed_at, rowid`, model.StatusCompleted)
	if err != nil || since.IsZero() {
		return sessions, err
	}
	filtered := sessions[:0]
	for _, sess := range sessions {
		if sess.CompletedAt != nil && !sess.CompletedAt.Before(since) {
			filtered = append(filtered, sess)
		}
	}
	return filtered, nil
}

func (s *SQLStore) querySessions(ctx context.Context, query string, args ...any) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateTranscript replaces the transcript of an active session if its stored
// version still equals version.
func (s *SQLStore) UpdateTranscript(ctx context.Context, id string, version int64, transcript []model.Turn) error {
	history, err := encodeTranscript(transcript)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET chat_history = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status = ?`,
		history, id, version, model.StatusActive,
	)
	if err != nil {
		return err
	}
	return s.checkConditionalWrite(ctx, res, id)
}

// CompleteSession writes the grade and marks an active session completed if
// its stored version still equals version.
func (s *SQLStore) CompleteSession(ctx context.Context, id string, version int64, g model.Grade) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?, completed_at = ?, diagnosis = ?, treatment = ?, score = ?, feedback = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status = ?`,
		model.StatusCompleted, g.CompletedAt.UTC(), g.Diagnosis, g.Treatment, g.Score, g.Feedback,
		id, version, model.StatusActive,
	)
	if err != nil {
		return err
	}
	return s.checkConditionalWrite(ctx, res, id)
}

func (s *SQLStore) checkConditionalWrite(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}
