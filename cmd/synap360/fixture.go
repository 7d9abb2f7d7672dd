package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/soaringjerry/Synap360/internal/db"
	"github.com/soaringjerry/Synap360/internal/services"
)

// fixture is the seed document accepted by the import command.
type fixture struct {
	SurveyConfigs       []services.SurveyConfig       `json:"survey_configs"`
	Users               []db.UserMetadata             `json:"users"`
	QuestionSets        map[string]json.RawMessage    `json:"question_sets"`
	ParticipantMappings []services.ParticipantMapping `json:"participant_mappings"`
	Competencies        []services.AdminCompetency    `json:"competencies"`
	SurveyForms         []services.SurveyForm         `json:"survey_forms"`
	SurveyScores        []services.SurveyScore        `json:"survey_scores"`
}

type importCounts struct {
	SurveyConfigs       int `json:"survey_configs"`
	Users               int `json:"users"`
	QuestionSets        int `json:"question_sets"`
	ParticipantMappings int `json:"participant_mappings"`
	Competencies        int `json:"competencies"`
	SurveyForms         int `json:"survey_forms"`
	SurveyScores        int `json:"survey_scores"`
}

type fixtureStore interface {
	AddSurveyConfig(ctx context.Context, c *services.SurveyConfig) error
	UpsertUserMetadata(ctx context.Context, u db.UserMetadata) error
	UpsertQuestionSet(ctx context.Context, designation string, questions json.RawMessage) error
	AddParticipantMapping(ctx context.Context, m services.ParticipantMapping) error
	UpsertCompetency(ctx context.Context, c *services.AdminCompetency) error
	CreateSurveyForm(ctx context.Context, f *services.SurveyForm) error
	AddScores(ctx context.Context, scores []services.SurveyScore) error
}

func loadFixture(path string) (*fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var fx fixture
	if err := json.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("decode fixture %s: %w", path, err)
	}
	return &fx, nil
}

// importFixture writes fx in dependency order: configs and users first, then
// the rows that reference them.
func importFixture(ctx context.Context, fx *fixture, dst fixtureStore) (*importCounts, error) {
	counts := &importCounts{}
	for i := range fx.SurveyConfigs {
		if err := dst.AddSurveyConfig(ctx, &fx.SurveyConfigs[i]); err != nil {
			return counts, err
		}
		counts.SurveyConfigs++
	}
	for _, u := range fx.Users {
		if err := dst.UpsertUserMetadata(ctx, u); err != nil {
			return counts, err
		}
		counts.Users++
	}
	designations := make([]string, 0, len(fx.QuestionSets))
	for d := range fx.QuestionSets {
		designations = append(designations, d)
	}
	sort.Strings(designations)
	for _, d := range designations {
		if err := dst.UpsertQuestionSet(ctx, d, fx.QuestionSets[d]); err != nil {
			return counts, err
		}
		counts.QuestionSets++
	}
	for _, m := range fx.ParticipantMappings {
		if err := dst.AddParticipantMapping(ctx, m); err != nil {
			return counts, err
		}
		counts.ParticipantMappings++
	}
	for i := range fx.Competencies {
		if err := dst.UpsertCompetency(ctx, &fx.Competencies[i]); err != nil {
			return counts, err
		}
		counts.Competencies++
	}
	for i := range fx.SurveyForms {
		f := &fx.SurveyForms[i]
		if f.Status == "" {
			f.Status = services.SurveyStatusPublished
		}
		if err := dst.CreateSurveyForm(ctx, f); err != nil {
			return counts, err
		}
		counts.SurveyForms++
	}
	if err := dst.AddScores(ctx, fx.SurveyScores); err != nil {
		return counts, err
	}
	counts.SurveyScores = len(fx.SurveyScores)
	return counts, nil
}
