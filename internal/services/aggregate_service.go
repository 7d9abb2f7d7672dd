package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"
)

// dateOfSurveyScoreLayout renders timestamps as ISO-8601 UTC with milliseconds.
const dateOfSurveyScoreLayout = "2006-01-02T15:04:05.000Z"

// AggregateStore abstracts the read-only lookups required by Aggregator.
// GetSurveyForm and GetCompetency return nil, nil for unknown ids.
type AggregateStore interface {
	GetSurveyForm(ctx context.Context, id string) (*SurveyForm, error)
	ListScores(ctx context.Context, surveyFormID string) ([]SurveyScore, error)
	GetCompetency(ctx context.Context, id int64) (*AdminCompetency, error)
}

// Aggregator turns the raw scores of one survey form into a credential payload.
// It holds no mutable state and is safe for concurrent use.
type Aggregator struct {
	store AggregateStore
}

func NewAggregator(store AggregateStore) *Aggregator {
	return &Aggregator{store: store}
}

// Aggregate loads a survey form with its scores and competency definitions
// and builds the credential payload. Competencies are sorted by id; levels
// follow definition order and levels without a raw score are omitted.
func (a *Aggregator) Aggregate(ctx context.Context, surveyFormID string) (payload *CredentialPayload, err error) {
	if a.store == nil {
		return nil, NewInvalidError("aggregator is not configured")
	}
	if strings.TrimSpace(surveyFormID) == "" {
		return nil, NewInvalidError("survey form id required")
	}
	ctx, span := tracer.Start(ctx, "aggregate.Aggregate", trace.WithAttributes(attribute.String("survey_form.id", surveyFormID)))
	defer func() { finishSpan(span, err) }()

	form, err := a.store.GetSurveyForm(ctx, surveyFormID)
	if err != nil {
		return nil, upstreamError("get survey form", surveyFormID, err)
	}
	if form == nil {
		return nil, formNotFoundError(surveyFormID)
	}

	scores, err := a.store.ListScores(ctx, surveyFormID)
	if err != nil {
		return nil, upstreamError("list survey scores", surveyFormID, err)
	}

	ids := distinctCompetencyIDs(scores)
	competencies := make([]*AdminCompetency, 0, len(ids))
	for _, id := range ids {
		c, err := a.store.GetCompetency(ctx, id)
		if err != nil {
			return nil, upstreamError("get competency", strconv.FormatInt(id, 10), err)
		}
		if c == nil {
			return nil, competencyNotFoundError(id, surveyFormID)
		}
		competencies = append(competencies, c)
	}

	span.SetAttributes(attribute.Int("survey_scores.count", len(scores)), attribute.Int("competencies.count", len(competencies)))
	return &CredentialPayload{
		UserID:            form.UserID,
		DateOfSurveyScore: formatSurveyDate(form.CreatedAt),
		OverallScore:      form.OverallScore,
		Competencies:      TransformScores(scores, competencies),
	}, nil
}

// TransformScores builds one entry per competency, looking up the raw score of
// each defined level at its exact (competency, level number) pair. The result
// is sorted by competency id ascending and is never nil.
func TransformScores(scores []SurveyScore, competencies []*AdminCompetency) []CompetencyCredential {
	grouped := make(map[int64]map[int]float64, len(competencies))
	for _, s := range scores {
		byLevel, ok := grouped[s.CompetencyID]
		if !ok {
			byLevel = map[int]float64{}
			grouped[s.CompetencyID] = byLevel
		}
		// first score wins on duplicate (competency, level) rows
		if _, dup := byLevel[s.CompetencyLevelNumber]; !dup {
			byLevel[s.CompetencyLevelNumber] = s.Score
		}
	}

	out := make([]CompetencyCredential, 0, len(competencies))
	for _, c := range competencies {
		if c == nil {
			continue
		}
		byLevel := grouped[c.ID]
		levels := make([]LevelCredential, 0, len(c.Levels))
		for _, lvl := range c.Levels {
			raw, ok := byLevel[lvl.Number]
			if !ok {
				continue
			}
			levels = append(levels, LevelCredential{LevelNumber: lvl.Number, Name: lvl.Name, Score: levelScore(raw)})
		}
		out = append(out, CompetencyCredential{ID: c.ID, Name: c.Name, Levels: levels})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Digest returns the hex BLAKE2b-256 digest of the payload's JSON encoding.
// Equal payloads always produce equal digests.
func Digest(p *CredentialPayload) (string, error) {
	if p == nil {
		return "", NewInvalidError("payload required")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func distinctCompetencyIDs(scores []SurveyScore) []int64 {
	seen := make(map[int64]struct{}, len(scores))
	ids := make([]int64, 0)
	for _, s := range scores {
		if _, ok := seen[s.CompetencyID]; ok {
			continue
		}
		seen[s.CompetencyID] = struct{}{}
		ids = append(ids, s.CompetencyID)
	}
	return ids
}

func formatSurveyDate(t time.Time) string {
	return t.UTC().Format(dateOfSurveyScoreLayout)
}
