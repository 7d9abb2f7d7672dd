package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/soaringjerry/Synap360/internal/services"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	// ErrUserNotFound is returned when a user has no metadata row.
	ErrUserNotFound = errors.New("user metadata not found")
	// ErrQuestionSetNotFound is returned when a designation has no question set.
	ErrQuestionSetNotFound = errors.New("question set not found")
)

var (
	_ services.FanoutStore      = (*SQLiteStore)(nil)
	_ services.QuestionResolver = (*SQLiteStore)(nil)
	_ services.AggregateStore   = (*SQLiteStore)(nil)
	_ services.CredentialStore  = (*SQLiteStore)(nil)
	_ services.TrackerStore     = (*SQLiteStore)(nil)
)

type SQLiteStore struct {
	db *sql.DB
}

// UserMetadata links a user to the designation that selects their question set.
type UserMetadata struct {
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Designation string `json:"designation"`
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Open opens (creating if needed) the SQLite file at path, applies migrations
// and returns a ready store.
func Open(path, migrationsDir string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate", filepath.ToSlash(path))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := RunMigrations(sqlDB, migrationsDir); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	store, err := NewSQLiteStore(sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) logErr(prefix string, err error) {
	if err != nil {
		log.Printf("sqlite store: %s: %v", prefix, err)
	}
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return time.Time{}
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, ns.String); err == nil {
			return t.UTC()
		}
	}
	log.Printf("sqlite store: unparseable timestamp %q", ns.String)
	return time.Time{}
}

func encodeStrings(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Survey configs ---

func (s *SQLiteStore) AddSurveyConfig(ctx context.Context, c *services.SurveyConfig) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return errors.New("survey config id is required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO survey_configs (id, name, is_active, start_time, end_time) VALUES (?, ?, ?, ?, ?)
      ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_active = excluded.is_active,
        start_time = excluded.start_time, end_time = excluded.end_time`,
		c.ID, c.Name, boolToInt64(c.IsActive), formatTime(c.StartTime), formatTime(c.EndTime))
	if err != nil {
		return fmt.Errorf("upsert survey config %s: %w", c.ID, err)
	}
	return nil
}

// GetSurveyConfig returns nil, nil when id is unknown.
func (s *SQLiteStore) GetSurveyConfig(ctx context.Context, id string) (*services.SurveyConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, is_active, start_time, end_time FROM survey_configs WHERE id = ?`, id)
	var c services.SurveyConfig
	var active int64
	var start, end sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &active, &start, &end); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get survey config %s: %w", id, err)
	}
	c.IsActive = active != 0
	c.StartTime = parseTime(start)
	c.EndTime = parseTime(end)
	return &c, nil
}

// --- Participant mappings ---

func (s *SQLiteStore) AddParticipantMapping(ctx context.Context, m services.ParticipantMapping) error {
	if strings.TrimSpace(m.SurveyConfigID) == "" || strings.TrimSpace(m.AssesseeID) == "" {
		return errors.New("survey config id and assessee id are required")
	}
	assessors, err := encodeStrings(m.AssessorIDs)
	if err != nil {
		return fmt.Errorf("encode assessor ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO participant_mappings (survey_config_id, assessee_id, assessor_ids) VALUES (?, ?, ?)`,
		m.SurveyConfigID, m.AssesseeID, assessors)
	if err != nil {
		return fmt.Errorf("insert participant mapping %s/%s: %w", m.SurveyConfigID, m.AssesseeID, err)
	}
	return nil
}

// ListParticipantMappings returns the mappings of a config in insertion order.
func (s *SQLiteStore) ListParticipantMappings(ctx context.Context, surveyConfigID string) ([]services.ParticipantMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT survey_config_id, assessee_id, assessor_ids FROM participant_mappings
      WHERE survey_config_id = ? ORDER BY id ASC`, surveyConfigID)
	if err != nil {
		return nil, fmt.Errorf("list participant mappings %s: %w", surveyConfigID, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logErr("ListParticipantMappings: rows.Close", cerr)
		}
	}()
	out := []services.ParticipantMapping{}
	for rows.Next() {
		var m services.ParticipantMapping
		var raw string
		if err := rows.Scan(&m.SurveyConfigID, &m.AssesseeID, &raw); err != nil {
			return nil, fmt.Errorf("scan participant mapping: %w", err)
		}
		if m.AssessorIDs, err = decodeStrings(raw); err != nil {
			return nil, fmt.Errorf("decode assessor ids of %s: %w", m.AssesseeID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list participant mappings %s: %w", surveyConfigID, err)
	}
	return out, nil
}

// --- Users and question sets ---

func (s *SQLiteStore) UpsertUserMetadata(ctx context.Context, u UserMetadata) error {
	if strings.TrimSpace(u.UserID) == "" {
		return errors.New("user id is required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_metadata (user_id, user_name, designation) VALUES (?, ?, ?)
      ON CONFLICT(user_id) DO UPDATE SET user_name = excluded.user_name, designation = excluded.designation`,
		u.UserID, toNullString(u.UserName), u.Designation)
	if err != nil {
		return fmt.Errorf("upsert user metadata %s: %w", u.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertQuestionSet(ctx context.Context, designation string, questions json.RawMessage) error {
	if len(questions) == 0 {
		questions = json.RawMessage("[]")
	}
	if !json.Valid(questions) {
		return fmt.Errorf("question set for %q is not valid json", designation)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO question_sets (designation, questions_json) VALUES (?, ?)
      ON CONFLICT(designation) DO UPDATE SET questions_json = excluded.questions_json`, designation, string(questions))
	if err != nil {
		return fmt.Errorf("upsert question set %q: %w", designation, err)
	}
	return nil
}

// ResolveQuestionsForUser returns the question set of the user's designation.
func (s *SQLiteStore) ResolveQuestionsForUser(ctx context.Context, userID string) (json.RawMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT u.designation, q.questions_json FROM user_metadata u
      LEFT JOIN question_sets q ON q.designation = u.designation WHERE u.user_id = ?`, userID)
	var designation string
	var questions sql.NullString
	if err := row.Scan(&designation, &questions); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("resolve questions for %s: %w", userID, err)
	}
	if !questions.Valid {
		return nil, fmt.Errorf("%w: designation %q of user %s", ErrQuestionSetNotFound, designation, userID)
	}
	return json.RawMessage(questions.String), nil
}
