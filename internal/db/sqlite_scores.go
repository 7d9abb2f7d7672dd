package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/soaringjerry/Synap360/internal/services"
)

// AddScores inserts the raw scores of one or more forms in a single transaction.
func (s *SQLiteStore) AddScores(ctx context.Context, scores []services.SurveyScore) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO survey_scores (survey_form_id, competency_id, competency_level_number, score) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare score insert: %w", err)
	}
	defer func() {
		if cerr := stmt.Close(); cerr != nil {
			s.logErr("AddScores: stmt.Close", cerr)
		}
	}()
	for _, sc := range scores {
		if _, err := stmt.ExecContext(ctx, sc.SurveyFormID, sc.CompetencyID, sc.CompetencyLevelNumber, sc.Score); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert score %s/%d/%d: %w", sc.SurveyFormID, sc.CompetencyID, sc.CompetencyLevelNumber, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scores: %w", err)
	}
	return nil
}

// ListScores returns a form's raw scores in insertion order.
func (s *SQLiteStore) ListScores(ctx context.Context, surveyFormID string) ([]services.SurveyScore, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT survey_form_id, competency_id, competency_level_number, score
      FROM survey_scores WHERE survey_form_id = ? ORDER BY id ASC`, surveyFormID)
	if err != nil {
		return nil, fmt.Errorf("list survey scores %s: %w", surveyFormID, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logErr("ListScores: rows.Close", cerr)
		}
	}()
	out := []services.SurveyScore{}
	for rows.Next() {
		var sc services.SurveyScore
		if err := rows.Scan(&sc.SurveyFormID, &sc.CompetencyID, &sc.CompetencyLevelNumber, &sc.Score); err != nil {
			return nil, fmt.Errorf("scan survey score: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertCompetency(ctx context.Context, c *services.AdminCompetency) error {
	if c == nil || strings.TrimSpace(c.Name) == "" {
		return errors.New("competency name is required")
	}
	levels := c.Levels
	if levels == nil {
		levels = []services.CompetencyLevel{}
	}
	raw, err := json.Marshal(levels)
	if err != nil {
		return fmt.Errorf("encode competency levels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO admin_competencies (id, name, competency_levels) VALUES (?, ?, ?)
      ON CONFLICT(id) DO UPDATE SET name = excluded.name, competency_levels = excluded.competency_levels`,
		c.ID, c.Name, string(raw))
	if err != nil {
		return fmt.Errorf("upsert competency %d: %w", c.ID, err)
	}
	return nil
}

// GetCompetency returns nil, nil when id is unknown. Levels keep the order in
// which they were defined.
func (s *SQLiteStore) GetCompetency(ctx context.Context, id int64) (*services.AdminCompetency, error) {
	var c services.AdminCompetency
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, competency_levels FROM admin_competencies WHERE id = ?`, id).Scan(&c.ID, &c.Name, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get competency %d: %w", id, err)
	}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &c.Levels); err != nil {
			return nil, fmt.Errorf("decode levels of competency %d: %w", id, err)
		}
	}
	return &c, nil
}
