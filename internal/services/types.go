package services

import (
	"encoding/json"
	"time"
)

type SurveyStatus string

const (
	SurveyStatusPublished SurveyStatus = "PUBLISHED"
	SurveyStatusClosed    SurveyStatus = "CLOSED"
)

type TrackerStatus string

const (
	TrackerStatusPending   TrackerStatus = "PENDING"
	TrackerStatusCompleted TrackerStatus = "COMPLETED"
)

// SurveyConfig is one configured assessment cycle.
type SurveyConfig struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// ParticipantMapping assigns assessors to one assessee within a survey config.
// AssessorIDs may contain the assessee itself.
type ParticipantMapping struct {
	SurveyConfigID string   `json:"survey_config_id"`
	AssesseeID     string   `json:"assessee_id"`
	AssessorIDs    []string `json:"assessor_ids"`
}

// SurveyForm is one assessee's instance of the question set for a cycle.
type SurveyForm struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	SurveyConfigID string          `json:"survey_config_id"`
	Status         SurveyStatus    `json:"status"`
	QuestionsJSON  json.RawMessage `json:"questions_json"`
	OverallScore   *float64        `json:"overall_score,omitempty"`
	CredentialID   string          `json:"credential_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ResponseTracker is one assessor's obligation to fill a survey form.
type ResponseTracker struct {
	ID           string        `json:"id"`
	SurveyFormID string        `json:"survey_form_id"`
	AssesseeID   string        `json:"assessee_id"`
	AssessorID   string        `json:"assessor_id"`
	Status       TrackerStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// AssessorDetails is the user metadata shown next to an assessor's tracker.
type AssessorDetails struct {
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Designation string `json:"designation"`
}

// TrackerView is a response tracker joined with its assessor's metadata.
type TrackerView struct {
	ID           string          `json:"id"`
	SurveyFormID string          `json:"survey_form_id"`
	AssesseeID   string          `json:"assessee_id"`
	Status       TrackerStatus   `json:"status"`
	Assessor     AssessorDetails `json:"assessor"`
}

// SurveyResponses lists who is assessing a user on their current survey form.
type SurveyResponses struct {
	SurveyFormID string        `json:"survey_form_id"`
	Trackers     []TrackerView `json:"trackers"`
}

// SurveyScore is a raw per-level score. Score may be NotApplicableScore.
type SurveyScore struct {
	SurveyFormID          string  `json:"survey_form_id"`
	CompetencyID          int64   `json:"competency_id"`
	CompetencyLevelNumber int     `json:"competency_level_number"`
	Score                 float64 `json:"score"`
}

type CompetencyLevel struct {
	Number int    `json:"competency_level_number"`
	Name   string `json:"competency_level_name"`
}

// AdminCompetency is a named skill area with levels in definition order.
type AdminCompetency struct {
	ID     int64             `json:"id"`
	Name   string            `json:"name"`
	Levels []CompetencyLevel `json:"competency_levels"`
}

type LevelCredential struct {
	LevelNumber int      `json:"levelNumber"`
	Name        string   `json:"name"`
	Score       *float64 `json:"score"`
}

type CompetencyCredential struct {
	ID     int64             `json:"id"`
	Name   string            `json:"name"`
	Levels []LevelCredential `json:"levels"`
}

// CredentialPayload is the issuance-ready aggregate of one survey form.
type CredentialPayload struct {
	UserID            string                 `json:"userId"`
	DateOfSurveyScore string                 `json:"dateOfSurveyScore"`
	OverallScore      *float64               `json:"overallScore"`
	Competencies      []CompetencyCredential `json:"competencies"`
}
