package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubFanoutStore struct {
	mu           sync.Mutex
	configs      map[string]*SurveyConfig
	mappings     map[string][]ParticipantMapping
	forms        []*SurveyForm
	trackers     []*ResponseTracker
	existing     int
	configErr    error
	failAssessor string
	txCount      int
}

func newStubFanoutStore() *stubFanoutStore {
	return &stubFanoutStore{
		configs:  map[string]*SurveyConfig{},
		mappings: map[string][]ParticipantMapping{},
	}
}

func (s *stubFanoutStore) GetSurveyConfig(ctx context.Context, id string) (*SurveyConfig, error) {
	if s.configErr != nil {
		return nil, s.configErr
	}
	if c, ok := s.configs[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *stubFanoutStore) ListParticipantMappings(ctx context.Context, configID string) ([]ParticipantMapping, error) {
	return s.mappings[configID], nil
}

func (s *stubFanoutStore) CountFormsByConfig(ctx context.Context, configID string) (int, error) {
	return s.existing, nil
}

type stubTx struct {
	store    *stubFanoutStore
	forms    []*SurveyForm
	trackers []*ResponseTracker
}

func (tx *stubTx) CreateSurveyForm(ctx context.Context, f *SurveyForm) error {
	tx.forms = append(tx.forms, f)
	return nil
}

func (tx *stubTx) CreateResponseTracker(ctx context.Context, t *ResponseTracker) error {
	if tx.store.failAssessor != "" && t.AssessorID == tx.store.failAssessor {
		return errors.New("insert failed")
	}
	tx.trackers = append(tx.trackers, t)
	return nil
}

func (s *stubFanoutStore) WithinTx(ctx context.Context, fn func(w FormWriter) error) error {
	tx := &stubTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	s.forms = append(s.forms, tx.forms...)
	s.trackers = append(s.trackers, tx.trackers...)
	return nil
}

type stubQuestions struct {
	failUser string
}

func (q stubQuestions) ResolveQuestionsForUser(ctx context.Context, userID string) (json.RawMessage, error) {
	if userID == q.failUser {
		return nil, errors.New("question bank offline")
	}
	return json.RawMessage(fmt.Sprintf(`[{"question":"q for %s"}]`, userID)), nil
}

func newTestGenerator(store *stubFanoutStore, questions QuestionResolver, workers int) *Generator {
	g := NewGenerator(store, questions, workers)
	var n atomic.Int64
	g.idGenerator = func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
	g.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return g
}

func TestGenerateExcludesSelfAssessment(t *testing.T) {
	store := newStubFanoutStore()
	store.configs["C1"] = &SurveyConfig{ID: "C1", Name: "Q1 cycle", IsActive: true}
	store.mappings["C1"] = []ParticipantMapping{{SurveyConfigID: "C1", AssesseeID: "u1", AssessorIDs: []string{"u1", "u2"}}}

	forms, err := newTestGenerator(store, stubQuestions{}, 1).Generate(context.Background(), "C1")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if len(forms) != 1 {
		t.Fatalf("forms = %d, want 1", len(forms))
	}
	f := forms[0]
	if f.UserID != "u1" || f.SurveyConfigID != "C1" || f.Status != SurveyStatusPublished {
		t.Fatalf("unexpected form: %+v", f)
	}
	if string(f.QuestionsJSON) != `[{"question":"q for u1"}]` {
		t.Fatalf("questions json = %s", f.QuestionsJSON)
	}
	if len(store.trackers) != 1 {
		t.Fatalf("trackers = %d, want 1", len(store.trackers))
	}
	tr := store.trackers[0]
	if tr.AssesseeID != "u1" || tr.AssessorID != "u2" || tr.Status != TrackerStatusPending || tr.SurveyFormID != f.ID {
		t.Fatalf("unexpected tracker: %+v", tr)
	}
}

func TestGenerateOneFormPerAssesseeAndKTrackers(t *testing.T) {
	store := newStubFanoutStore()
	store.configs["C2"] = &SurveyConfig{ID: "C2", IsActive: true}
	store.mappings["C2"] = []ParticipantMapping{
		{AssesseeID: "a", AssessorIDs: []string{"b", "c", "a", "d"}},
		{AssesseeID: "b", AssessorIDs: []string{"b"}},
		{AssesseeID: "c", AssessorIDs: []string{"a", "a", "b"}},
	}
	wantTrackers := map[string]int{"a": 3, "b": 0, "c": 2}

	forms, err := newTestGenerator(store, stubQuestions{}, 1).Generate(context.Background(), "C2")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if len(forms) != 3 {
		t.Fatalf("forms = %d, want 3", len(forms))
	}
	formByUser := map[string]string{}
	for _, f := range forms {
		if _, dup := formByUser[f.UserID]; dup {
			t.Fatalf("duplicate form for %s", f.UserID)
		}
		formByUser[f.UserID] = f.ID
	}
	got := map[string]int{}
	for _, tr := range store.trackers {
		if tr.AssessorID == tr.AssesseeID {
			t.Fatalf("self tracker created: %+v", tr)
		}
		if formByUser[tr.AssesseeID] != tr.SurveyFormID {
			t.Fatalf("tracker %+v references wrong form", tr)
		}
		got[tr.AssesseeID]++
	}
	for user, want := range wantTrackers {
		if got[user] != want {
			t.Fatalf("trackers for %s = %d, want %d", user, got[user], want)
		}
	}
}

func TestGenerateInactiveConfig(t *testing.T) {
	store := newStubFanoutStore()
	store.configs["C1"] = &SurveyConfig{ID: "C1", Name: "closed cycle", IsActive: false}
	store.mappings["C1"] = []ParticipantMapping{{AssesseeID: "u1", AssessorIDs: []string{"u2"}}}

	forms, err := newTestGenerator(store, stubQuestions{}, 1).Generate(context.Background(), "C1")
	if !errors.Is(err, ErrConfigNotActive) {
		t.Fatalf("expected ErrConfigNotActive, got %v", err)
	}
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorNotAcceptable {
		t.Fatalf("expected not_acceptable service error, got %#v", err)
	}
	if forms != nil || len(store.forms) != 0 || len(store.trackers) != 0 {
		t.Fatalf("rows created for inactive config: forms=%d trackers=%d", len(store.forms), len(store.trackers))
	}
}

func TestGenerateNoParticipants(t *testing.T) {
	store := newStubFanoutStore()
	store.configs["C1"] = &SurveyConfig{ID: "C1", IsActive: true}

	_, err := newTestGenerator(store, stubQuestions{}, 1).Generate(context.Background(), "C1")
	if !errors.Is(err, ErrNoParticipants) {
		t.Fatalf("expected ErrNoParticipants, got %v", err)
	}
}

func TestGenerateMissingConfig(t *testing.T) {
	_, err := newTestGenerator(newStubFanoutStore(), stubQuestions{}, 1).Generate(context.Background(), "nope")
	if !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
	if _, err := newTestGenerator(newStubFanoutStore(), stubQuestions{}, 1).Generate(context.Background(), " "); err == nil {
		t.Fatalf("expected invalid error for blank id")
	}
}

func TestGenerateUpstreamFailure(t *testing.T) {
	store := newStubFanoutStore()
	store.configErr = errors.New("db down")

	_, err := newTestGenerator(store, stubQuestions{}, 1).Generate(context.Background(), "C1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorBadGateway {
		t.Fatalf("expected bad_gateway service error, got %#v", err)
	}
}

func TestGenerateStopsAtFailingMapping(t *testing.T) {
	store := newStubFanoutStore()
	store.configs["C1"] = &SurveyConfig{ID: "C1", IsActive: true}
	store.mappings["C1"] = []ParticipantMapping{
		{AssesseeID: "u1", AssessorIDs: []string{"u2"}},
		{AssesseeID: "u2", AssessorIDs: []string{"u1", "broken"}},
		{AssesseeID: "u3", AssessorIDs: []string{"u1"}},
	}
	store.failAssessor = "broken"

	forms, err := newTestGenerator(store, stubQuestions{}, 1).Generate(context.Background(), "C1")
	var me *MappingError
	if !errors.As(err, &me) || me.AssesseeID != "u2" {
		t.Fatalf("expected MappingError for u2, got %v", err)
	}
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected wrapped ErrUpstreamUnavailable, got %v", err)
	}
	if len(forms) != 1 || forms[0].UserID != "u1" {
		t.Fatalf("returned forms = %+v, want only u1", forms)
	}
	if len(store.forms) != 1 || len(store.trackers) != 1 {
		t.Fatalf("persisted forms=%d trackers=%d, want 1/1", len(store.forms), len(store.trackers))
	}
	for _, tr := range store.trackers {
		if tr.AssesseeID == "u2" {
			t.Fatalf("tracker of failed mapping persisted: %+v", tr)
		}
	}
}

func TestGenerateQuestionResolverFailure(t *testing.T) {
	store := newStubFanoutStore()
	store.configs["C1"] = &SurveyConfig{ID: "C1", IsActive: true}
	store.mappings["C1"] = []ParticipantMapping{{AssesseeID: "u1", AssessorIDs: []string{"u2"}}}

	_, err := newTestGenerator(store, stubQuestions{failUser: "u1"}, 1).Generate(context.Background(), "C1")
	var me *MappingError
	if !errors.As(err, &me) || me.AssesseeID != "u1" {
		t.Fatalf("expected MappingError for u1, got %v", err)
	}
	if store.txCount != 0 {
		t.Fatalf("transactions committed = %d, want 0", store.txCount)
	}
}

func TestGenerateParallelKeepsMappingOrder(t *testing.T) {
	store := newStubFanoutStore()
	store.configs["C1"] = &SurveyConfig{ID: "C1", IsActive: true}
	for i := 0; i < 25; i++ {
		store.mappings["C1"] = append(store.mappings["C1"], ParticipantMapping{
			AssesseeID:  fmt.Sprintf("u%02d", i),
			AssessorIDs: []string{fmt.Sprintf("u%02d", i), "lead"},
		})
	}

	forms, err := newTestGenerator(store, stubQuestions{}, 4).Generate(context.Background(), "C1")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if len(forms) != 25 {
		t.Fatalf("forms = %d, want 25", len(forms))
	}
	for i, f := range forms {
		if want := fmt.Sprintf("u%02d", i); f.UserID != want {
			t.Fatalf("forms[%d].UserID = %s, want %s", i, f.UserID, want)
		}
	}
	if len(store.trackers) != 25 {
		t.Fatalf("trackers = %d, want 25", len(store.trackers))
	}
}

func TestGenerateWarnsButProceedsOnExistingForms(t *testing.T) {
	store := newStubFanoutStore()
	store.configs["C1"] = &SurveyConfig{ID: "C1", IsActive: true}
	store.mappings["C1"] = []ParticipantMapping{{AssesseeID: "u1", AssessorIDs: []string{"u2"}}}
	store.existing = 1

	forms, err := newTestGenerator(store, stubQuestions{}, 1).Generate(context.Background(), "C1")
	if err != nil || len(forms) != 1 {
		t.Fatalf("Generate = (%d forms, %v), want 1 form", len(forms), err)
	}
}

func TestTrackedAssessors(t *testing.T) {
	got := trackedAssessors(ParticipantMapping{AssesseeID: "x", AssessorIDs: []string{"y", "x", " ", "z", "y"}})
	if len(got) != 2 || got[0] != "y" || got[1] != "z" {
		t.Fatalf("trackedAssessors = %v, want [y z]", got)
	}
}

func TestGenerateMergesRepeatedAssessee(t *testing.T) {
	store := newStubFanoutStore()
	store.configs["C1"] = &SurveyConfig{ID: "C1", IsActive: true}
	store.mappings["C1"] = []ParticipantMapping{
		{SurveyConfigID: "C1", AssesseeID: "u1", AssessorIDs: []string{"u2"}},
		{SurveyConfigID: "C1", AssesseeID: "u4", AssessorIDs: []string{"u1"}},
		{SurveyConfigID: "C1", AssesseeID: "u1", AssessorIDs: []string{"u3", "u2"}},
	}

	forms, err := newTestGenerator(store, stubQuestions{}, 2).Generate(context.Background(), "C1")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if len(forms) != 2 || forms[0].UserID != "u1" || forms[1].UserID != "u4" {
		t.Fatalf("forms = %+v, want one for u1 then u4", forms)
	}
	var got []string
	for _, tr := range store.trackers {
		if tr.SurveyFormID == forms[0].ID {
			got = append(got, tr.AssessorID)
		}
	}
	if len(got) != 2 || got[0] != "u2" || got[1] != "u3" {
		t.Fatalf("u1 assessors = %v, want [u2 u3]", got)
	}
	if len(store.mappings["C1"][0].AssessorIDs) != 1 {
		t.Fatalf("merging mutated the provider's mappings")
	}
}

func TestMergeMappings(t *testing.T) {
	in := []ParticipantMapping{
		{AssesseeID: "b", AssessorIDs: []string{"x"}},
		{AssesseeID: "a"},
		{AssesseeID: "b", AssessorIDs: []string{"y"}},
	}
	out := mergeMappings(in)
	if len(out) != 2 || out[0].AssesseeID != "b" || out[1].AssesseeID != "a" {
		t.Fatalf("merged = %+v", out)
	}
	if len(out[0].AssessorIDs) != 2 || out[0].AssessorIDs[1] != "y" {
		t.Fatalf("assessors of b = %v", out[0].AssessorIDs)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlockA := k.lock("C1")
	unlockB := k.lock("C2")
	if k.size() != 2 {
		t.Fatalf("size = %d, want 2", k.size())
	}

	acquired := make(chan struct{})
	go func() {
		unlock := k.lock("C1")
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatalf("second holder acquired C1 while it was locked")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()

	deadline := time.Now().Add(time.Second)
	for k.size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("size = %d after all unlocks, want 0", k.size())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGenerateDropsConfigLock(t *testing.T) {
	store := newStubFanoutStore()
	store.configs["C1"] = &SurveyConfig{ID: "C1", IsActive: true}
	store.mappings["C1"] = []ParticipantMapping{{AssesseeID: "u1", AssessorIDs: []string{"u2"}}}
	g := newTestGenerator(store, stubQuestions{}, 1)

	if _, err := g.Generate(context.Background(), "C1"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := g.Generate(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for missing config")
	}
	if n := g.locks.size(); n != 0 {
		t.Fatalf("generator kept %d config locks", n)
	}
}
