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

const caseColumns = `id, key, patient_name, age, gender, chief_complaint, vitals, history,
	system_instruction, correct_diagnosis, correct_treatment, case_type, imaging`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (model.Case, error) {
	var c model.Case
	var vitals, imaging string
	err := row.Scan(&c.ID, &c.Key, &c.PatientName, &c.Age, &c.Gender, &c.ChiefComplaint, &vitals, &c.History,
		&c.SystemInstruction, &c.CorrectDiagnosis, &c.CorrectTreatment, &c.CaseType, &imaging)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(vitals), &c.Vitals); err != nil {
		return c, fmt.Errorf("decode vitals of case %s: %w", c.ID, err)
	}
	if imaging != "" {
		if err := json.Unmarshal([]byte(imaging), &c.Imaging); err != nil {
			return c, fmt.Errorf("decode imaging of case %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// CaseCount returns the number of cases in the catalog.
func (s *SQLStore) CaseCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`).Scan(&count)
	return count, err
}

// ListCases returns all cases in insertion order.
func (s *SQLStore) ListCases(ctx context.Context) ([]model.Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cases []model.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// GetCase returns a case by ID.
func (s *SQLStore) GetCase(ctx context.Context, id string) (model.Case, error) {
	c, err := scanCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

// InsertCase stores a case and returns its new ID.
func (s *SQLStore) InsertCase(ctx context.Context, c model.Case) (string, error) {
	vitals, err := json.Marshal(c.Vitals)
	if err != nil {
		return "", err
	}
	var imaging []byte
	if len(c.Imaging) > 0 {
		if imaging, err = json.Marshal(c.Imaging); err != nil {
			return "", err
		}
	}
	if c.CaseType == "" {
		c.CaseType = model.CaseTypePredefined
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cases (`+caseColumns+`, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.Key, c.PatientName, c.Age, c.Gender, c.ChiefComplaint, string(vitals), c.History,
		c.SystemInstruction, c.CorrectDiagnosis, c.CorrectTreatment, c.CaseType, string(imaging), time.Now().UTC(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteAllCases removes the whole catalog in one statement.
func (s *SQLStore) DeleteAllCases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cases`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
