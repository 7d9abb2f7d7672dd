package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// FormWriter persists the rows of one assessee's unit of fan-out work.
type FormWriter interface {
	CreateSurveyForm(ctx context.Context, f *SurveyForm) error
	CreateResponseTracker(ctx context.Context, t *ResponseTracker) error
}

// FanoutStore abstracts persistence operations required by Generator.
// GetSurveyConfig returns nil, nil for an unknown id. WithinTx runs fn in one
// transaction and rolls it back when fn returns an error.
type FanoutStore interface {
	GetSurveyConfig(ctx context.Context, id string) (*SurveyConfig, error)
	ListParticipantMappings(ctx context.Context, surveyConfigID string) ([]ParticipantMapping, error)
	CountFormsByConfig(ctx context.Context, surveyConfigID string) (int, error)
	WithinTx(ctx context.Context, fn func(w FormWriter) error) error
}

// QuestionResolver returns the ordered question payload for a user's designation.
type QuestionResolver interface {
	ResolveQuestionsForUser(ctx context.Context, userID string) (json.RawMessage, error)
}

// Generator fans one survey config out into survey forms and response trackers.
type Generator struct {
	store       FanoutStore
	questions   QuestionResolver
	workers     int
	now         func() time.Time
	idGenerator func() string
	locks       keyedMutex
}

// NewGenerator constructs a generator. workers bounds how many assessees are
// processed in parallel; values below 1 mean sequential processing.
func NewGenerator(store FanoutStore, questions QuestionResolver, workers int) *Generator {
	if workers < 1 {
		workers = 1
	}
	return &Generator{
		store:       store,
		questions:   questions,
		workers:     workers,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

// Generate creates one PUBLISHED survey form per assessee of the config and
// one PENDING response tracker per non-self assessor. Mappings repeating an
// assessee are merged so each assessee still gets exactly one form.
//
// Each mapping is written in its own transaction. When a mapping fails the
// error is a *MappingError, remaining work is cancelled, and the forms that
// were already committed are returned alongside it in mapping order.
//
// Calls for the same config id are serialized within this process. Re-running
// a config that already has forms creates duplicates.
func (g *Generator) Generate(ctx context.Context, surveyConfigID string) (forms []*SurveyForm, err error) {
	if g.store == nil || g.questions == nil {
		return nil, NewInvalidError("generator is not configured")
	}
	if strings.TrimSpace(surveyConfigID) == "" {
		return nil, NewInvalidError("survey config id required")
	}
	ctx, span := tracer.Start(ctx, "fanout.Generate", trace.WithAttributes(attribute.String("survey_config.id", surveyConfigID)))
	defer func() { finishSpan(span, err) }()

	unlock := g.locks.lock(surveyConfigID)
	defer unlock()

	cfg, err := g.store.GetSurveyConfig(ctx, surveyConfigID)
	if err != nil {
		return nil, upstreamError("get survey config", surveyConfigID, err)
	}
	if cfg == nil {
		return nil, configNotFoundError(surveyConfigID)
	}
	if !cfg.IsActive {
		return nil, configNotActiveError(cfg.ID, cfg.Name)
	}

	mappings, err := g.store.ListParticipantMappings(ctx, surveyConfigID)
	if err != nil {
		return nil, upstreamError("list participant mappings", surveyConfigID, err)
	}
	if len(mappings) == 0 {
		return nil, noParticipantsError(surveyConfigID)
	}
	if merged := mergeMappings(mappings); len(merged) != len(mappings) {
		log.Printf("fanout: survey config %s has %d mappings for %d assessees, merging assessor sets", surveyConfigID, len(mappings), len(merged))
		mappings = merged
	}

	existing, err := g.store.CountFormsByConfig(ctx, surveyConfigID)
	if err != nil {
		return nil, upstreamError("count survey forms", surveyConfigID, err)
	}
	if existing > 0 {
		log.Printf("fanout: survey config %s already has %d survey forms, this run creates duplicates", surveyConfigID, existing)
	}
	log.Printf("fanout: generating survey forms for config %s (%d mappings, %d workers)", surveyConfigID, len(mappings), g.workers)

	results := make([]*SurveyForm, len(mappings))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.workers)
	for i, m := range mappings {
		if gctx.Err() != nil {
			break
		}
		i, m := i, m
		grp.Go(func() error {
			form, err := g.fanOut(gctx, surveyConfigID, m)
			if err != nil {
				return &MappingError{AssesseeID: m.AssesseeID, Err: err}
			}
			results[i] = form
			return nil
		})
	}
	err = grp.Wait()

	forms = make([]*SurveyForm, 0, len(results))
	for _, f := range results {
		if f != nil {
			forms = append(forms, f)
		}
	}
	if err != nil {
		log.Printf("fanout: survey config %s stopped after %d of %d forms: %v", surveyConfigID, len(forms), len(mappings), err)
		return forms, err
	}
	trackers := 0
	for _, m := range mappings {
		trackers += len(trackedAssessors(m))
	}
	span.SetAttributes(attribute.Int("survey_forms.created", len(forms)), attribute.Int("response_trackers.created", trackers))
	log.Printf("fanout: survey config %s created %d survey forms and %d response trackers", surveyConfigID, len(forms), trackers)
	return forms, nil
}

func (g *Generator) fanOut(ctx context.Context, surveyConfigID string, m ParticipantMapping) (*SurveyForm, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	questions, err := g.questions.ResolveQuestionsForUser(ctx, m.AssesseeID)
	if err != nil {
		return nil, upstreamError("resolve questions for user", m.AssesseeID, err)
	}
	if len(questions) == 0 {
		questions = json.RawMessage("[]")
	}

	now := g.now()
	form := &SurveyForm{
		ID:             g.idGenerator(),
		UserID:         m.AssesseeID,
		SurveyConfigID: surveyConfigID,
		Status:         SurveyStatusPublished,
		QuestionsJSON:  questions,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	assessors := trackedAssessors(m)

	err = g.store.WithinTx(ctx, func(w FormWriter) error {
		if err := w.CreateSurveyForm(ctx, form); err != nil {
			return fmt.Errorf("create survey form: %w", err)
		}
		for _, assessorID := range assessors {
			tr := &ResponseTracker{
				ID:           g.idGenerator(),
				SurveyFormID: form.ID,
				AssesseeID:   m.AssesseeID,
				AssessorID:   assessorID,
				Status:       TrackerStatusPending,
				CreatedAt:    now,
			}
			if err := w.CreateResponseTracker(ctx, tr); err != nil {
				return fmt.Errorf("create response tracker for assessor %s: %w", assessorID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, upstreamError("persist survey form for assessee", m.AssesseeID, err)
	}
	return form, nil
}

// mergeMappings folds mappings that share an assessee into the first one,
// appending the later assessor ids in order. Assessees keep first-seen order.
func mergeMappings(mappings []ParticipantMapping) []ParticipantMapping {
	index := make(map[string]int, len(mappings))
	out := make([]ParticipantMapping, 0, len(mappings))
	for _, m := range mappings {
		if i, ok := index[m.AssesseeID]; ok {
			out[i].AssessorIDs = append(out[i].AssessorIDs, m.AssessorIDs...)
			continue
		}
		index[m.AssesseeID] = len(out)
		m.AssessorIDs = append([]string(nil), m.AssessorIDs...)
		out = append(out, m)
	}
	return out
}

// trackedAssessors returns the distinct assessor ids of m in stored order,
// without the assessee itself.
func trackedAssessors(m ParticipantMapping) []string {
	seen := make(map[string]struct{}, len(m.AssessorIDs))
	out := make([]string, 0, len(m.AssessorIDs))
	for _, id := range m.AssessorIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == m.AssesseeID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// keyedMutex serializes work per key. Entries live only while some caller
// holds or waits for the key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
