package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soaringjerry/Synap360/internal/services"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// WithinTx runs fn inside one transaction. The transaction is rolled back when
// fn returns an error or panics, and committed otherwise.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(w services.FormWriter) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				s.logErr("WithinTx: rollback", rerr)
			}
		}
	}()
	if err = fn(&formWriter{ex: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type formWriter struct {
	ex execer
}

func (w *formWriter) CreateSurveyForm(ctx context.Context, f *services.SurveyForm) error {
	return insertSurveyForm(ctx, w.ex, f)
}

func (w *formWriter) CreateResponseTracker(ctx context.Context, t *services.ResponseTracker) error {
	return insertResponseTracker(ctx, w.ex, t)
}

// CreateSurveyForm inserts a form outside of any caller transaction.
func (s *SQLiteStore) CreateSurveyForm(ctx context.Context, f *services.SurveyForm) error {
	return insertSurveyForm(ctx, s.db, f)
}

func insertSurveyForm(ctx context.Context, ex execer, f *services.SurveyForm) error {
	if f == nil || strings.TrimSpace(f.ID) == "" {
		return errors.New("survey form id is required")
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	questions := string(f.QuestionsJSON)
	if questions == "" {
		questions = "[]"
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO survey_forms
      (id, user_id, survey_config_id, status, questions_json, overall_score, credential_id, created_at, updated_at)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.SurveyConfigID, string(f.Status), questions, toNullFloat(f.OverallScore),
		toNullString(f.CredentialID), formatTime(f.CreatedAt), formatTime(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert survey form %s: %w", f.ID, err)
	}
	return nil
}

func insertResponseTracker(ctx context.Context, ex execer, t *services.ResponseTracker) error {
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return errors.New("response tracker id is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO response_trackers (id, survey_form_id, assessee_id, assessor_id, status, created_at)
      VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.SurveyFormID, t.AssesseeID, t.AssessorID, string(t.Status), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert response tracker %s: %w", t.ID, err)
	}
	return nil
}

const surveyFormColumns = `id, user_id, survey_config_id, status, questions_json, overall_score, credential_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSurveyForm(row rowScanner) (*services.SurveyForm, error) {
	var f services.SurveyForm
	var status, questions string
	var overall sql.NullFloat64
	var credential, created, updated sql.NullString
	if err := row.Scan(&f.ID, &f.UserID, &f.SurveyConfigID, &status, &questions, &overall, &credential, &created, &updated); err != nil {
		return nil, err
	}
	f.Status = services.SurveyStatus(status)
	f.QuestionsJSON = []byte(questions)
	f.OverallScore = fromNullFloat(overall)
	f.CredentialID = credential.String
	f.CreatedAt = parseTime(created)
	f.UpdatedAt = parseTime(updated)
	return &f, nil
}

// GetSurveyForm returns nil, nil when id is unknown.
func (s *SQLiteStore) GetSurveyForm(ctx context.Context, id string) (*services.SurveyForm, error) {
	f, err := scanSurveyForm(s.db.QueryRowContext(ctx, `SELECT `+surveyFormColumns+` FROM survey_forms WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get survey form %s: %w", id, err)
	}
	return f, nil
}

func (s *SQLiteStore) ListFormsByConfig(ctx context.Context, surveyConfigID string) ([]*services.SurveyForm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+surveyFormColumns+` FROM survey_forms WHERE survey_config_id = ?
      ORDER BY created_at ASC, rowid ASC`, surveyConfigID)
	if err != nil {
		return nil, fmt.Errorf("list survey forms %s: %w", surveyConfigID, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logErr("ListFormsByConfig: rows.Close", cerr)
		}
	}()
	out := []*services.SurveyForm{}
	for rows.Next() {
		f, err := scanSurveyForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan survey form: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountFormsByConfig(ctx context.Context, surveyConfigID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM survey_forms WHERE survey_config_id = ?`, surveyConfigID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count survey forms %s: %w", surveyConfigID, err)
	}
	return n, nil
}

// LatestClosedForm returns the user's most recent CLOSED form whose survey
// config is no longer active, or nil, nil when there is none.
func (s *SQLiteStore) LatestClosedForm(ctx context.Context, userID string) (*services.SurveyForm, error) {
	f, err := scanSurveyForm(s.db.QueryRowContext(ctx, `SELECT f.id, f.user_id, f.survey_config_id, f.status, f.questions_json,
        f.overall_score, f.credential_id, f.created_at, f.updated_at
      FROM survey_forms f JOIN survey_configs c ON c.id = f.survey_config_id
      WHERE f.user_id = ? AND f.status = ? AND c.is_active = 0
      ORDER BY f.created_at DESC, f.rowid DESC LIMIT 1`, userID, string(services.SurveyStatusClosed)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest closed survey form of %s: %w", userID, err)
	}
	return f, nil
}

// LatestActiveForm returns the user's most recent form whose survey config is
// active, or nil, nil when there is none.
func (s *SQLiteStore) LatestActiveForm(ctx context.Context, userID string) (*services.SurveyForm, error) {
	f, err := scanSurveyForm(s.db.QueryRowContext(ctx, `SELECT f.id, f.user_id, f.survey_config_id, f.status, f.questions_json,
        f.overall_score, f.credential_id, f.created_at, f.updated_at
      FROM survey_forms f JOIN survey_configs c ON c.id = f.survey_config_id
      WHERE f.user_id = ? AND c.is_active = 1
      ORDER BY f.created_at DESC, f.rowid DESC LIMIT 1`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest active survey form of %s: %w", userID, err)
	}
	return f, nil
}

func (s *SQLiteStore) UpdateSurveyFormStatus(ctx context.Context, id string, status services.SurveyStatus) error {
	return s.updateForm(ctx, id, `UPDATE survey_forms SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
}

func (s *SQLiteStore) UpdateOverallScoreAndCredential(ctx context.Context, id string, overallScore *float64, credentialID string) error {
	return s.updateForm(ctx, id, `UPDATE survey_forms SET overall_score = ?, credential_id = ?, updated_at = ? WHERE id = ?`,
		toNullFloat(overallScore), toNullString(credentialID), formatTime(time.Now()), id)
}

func (s *SQLiteStore) updateForm(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update survey form %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update survey form %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// --- Response trackers ---

func (s *SQLiteStore) ListTrackersByForm(ctx context.Context, surveyFormID string) ([]*services.ResponseTracker, error) {
	return s.listTrackers(ctx, "survey_form_id", surveyFormID)
}

// ListTrackersByAssessee returns every tracker naming assesseeID, oldest first.
func (s *SQLiteStore) ListTrackersByAssessee(ctx context.Context, assesseeID string) ([]*services.ResponseTracker, error) {
	return s.listTrackers(ctx, "assessee_id", assesseeID)
}

func (s *SQLiteStore) listTrackers(ctx context.Context, column, value string) ([]*services.ResponseTracker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, survey_form_id, assessee_id, assessor_id, status, created_at
      FROM response_trackers WHERE `+column+` = ? ORDER BY created_at ASC, rowid ASC`, value)
	if err != nil {
		return nil, fmt.Errorf("list response trackers by %s %s: %w", column, value, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logErr("listTrackers: rows.Close", cerr)
		}
	}()
	out := []*services.ResponseTracker{}
	for rows.Next() {
		var t services.ResponseTracker
		var status string
		var created sql.NullString
		if err := rows.Scan(&t.ID, &t.SurveyFormID, &t.AssesseeID, &t.AssessorID, &status, &created); err != nil {
			return nil, fmt.Errorf("scan response tracker: %w", err)
		}
		t.Status = services.TrackerStatus(status)
		t.CreatedAt = parseTime(created)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ListTrackerViewsByForm joins a form's trackers with their assessors'
// metadata. Assessors without a metadata row keep empty name and designation.
func (s *SQLiteStore) ListTrackerViewsByForm(ctx context.Context, surveyFormID string) ([]services.TrackerView, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT t.id, t.survey_form_id, t.assessee_id, t.status, t.assessor_id, u.user_name, u.designation
      FROM response_trackers t LEFT JOIN user_metadata u ON u.user_id = t.assessor_id
      WHERE t.survey_form_id = ? ORDER BY t.rowid ASC`, surveyFormID)
	if err != nil {
		return nil, fmt.Errorf("list response tracker views %s: %w", surveyFormID, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logErr("ListTrackerViewsByForm: rows.Close", cerr)
		}
	}()
	out := []services.TrackerView{}
	for rows.Next() {
		var v services.TrackerView
		var status string
		var name, designation sql.NullString
		if err := rows.Scan(&v.ID, &v.SurveyFormID, &v.AssesseeID, &status, &v.Assessor.UserID, &name, &designation); err != nil {
			return nil, fmt.Errorf("scan response tracker view: %w", err)
		}
		v.Status = services.TrackerStatus(status)
		v.Assessor.UserName = name.String
		v.Assessor.Designation = designation.String
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateTrackerStatus(ctx context.Context, id string, status services.TrackerStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE response_trackers SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update response tracker %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update response tracker %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// CountTrackersByAssessor counts an assessor's trackers in the given status,
// optionally restricted to forms of active survey configs.
func (s *SQLiteStore) CountTrackersByAssessor(ctx context.Context, assessorID string, status services.TrackerStatus, activeOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM response_trackers t
      JOIN survey_forms f ON f.id = t.survey_form_id
      JOIN survey_configs c ON c.id = f.survey_config_id
      WHERE t.assessor_id = ? AND t.status = ?`
	if activeOnly {
		query += ` AND c.is_active = 1`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, assessorID, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count response trackers of %s: %w", assessorID, err)
	}
	return n, nil
}
