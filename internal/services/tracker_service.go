package services

import (
	"context"
	"sort"
	"strings"
)

// TrackerStore abstracts the lookups behind assessor dashboards and
// participant listings.
type TrackerStore interface {
	CountTrackersByAssessor(ctx context.Context, assessorID string, status TrackerStatus, activeOnly bool) (int, error)
	ListParticipantMappings(ctx context.Context, surveyConfigID string) ([]ParticipantMapping, error)
	LatestClosedForm(ctx context.Context, userID string) (*SurveyForm, error)
	LatestActiveForm(ctx context.Context, userID string) (*SurveyForm, error)
	ListFormsByConfig(ctx context.Context, surveyConfigID string) ([]*SurveyForm, error)
	ListTrackersByForm(ctx context.Context, surveyFormID string) ([]*ResponseTracker, error)
	ListTrackersByAssessee(ctx context.Context, assesseeID string) ([]*ResponseTracker, error)
	ListTrackerViewsByForm(ctx context.Context, surveyFormID string) ([]TrackerView, error)
}

type TrackerService struct {
	store TrackerStore
}

func NewTrackerService(store TrackerStore) *TrackerService {
	return &TrackerService{store: store}
}

// PendingCount returns how many surveys of active cycles the assessor still has to fill.
func (s *TrackerService) PendingCount(ctx context.Context, assessorID string) (int, error) {
	return s.count(ctx, assessorID, TrackerStatusPending)
}

// CompletedCount returns how many surveys of active cycles the assessor has filled.
func (s *TrackerService) CompletedCount(ctx context.Context, assessorID string) (int, error) {
	return s.count(ctx, assessorID, TrackerStatusCompleted)
}

func (s *TrackerService) count(ctx context.Context, assessorID string, status TrackerStatus) (int, error) {
	if strings.TrimSpace(assessorID) == "" {
		return 0, NewInvalidError("assessor id required")
	}
	n, err := s.store.CountTrackersByAssessor(ctx, assessorID, status, true)
	if err != nil {
		return 0, upstreamError("count response trackers for assessor", assessorID, err)
	}
	return n, nil
}

// ParticipantUserIDs returns every assessee and assessor of a survey config,
// deduplicated and sorted ascending.
func (s *TrackerService) ParticipantUserIDs(ctx context.Context, surveyConfigID string) ([]string, error) {
	if strings.TrimSpace(surveyConfigID) == "" {
		return nil, NewInvalidError("survey config id required")
	}
	mappings, err := s.store.ListParticipantMappings(ctx, surveyConfigID)
	if err != nil {
		return nil, upstreamError("list participant mappings", surveyConfigID, err)
	}
	set := map[string]struct{}{}
	for _, m := range mappings {
		if m.AssesseeID != "" {
			set[m.AssesseeID] = struct{}{}
		}
		for _, id := range m.AssessorIDs {
			if id = strings.TrimSpace(id); id != "" {
				set[id] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// LatestClosedScore returns the overall score of the user's most recent
// closed survey form from a finished cycle. It returns nil when there is no
// such form or when the stored score is negative.
func (s *TrackerService) LatestClosedScore(ctx context.Context, userID string) (*float64, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, NewInvalidError("user id required")
	}
	form, err := s.store.LatestClosedForm(ctx, userID)
	if err != nil {
		return nil, upstreamError("get latest closed survey form for user", userID, err)
	}
	if form == nil || form.OverallScore == nil || *form.OverallScore < 0 {
		return nil, nil
	}
	score := *form.OverallScore
	return &score, nil
}

// FormsByConfig returns the survey forms generated for a config, oldest first.
func (s *TrackerService) FormsByConfig(ctx context.Context, surveyConfigID string) ([]*SurveyForm, error) {
	if strings.TrimSpace(surveyConfigID) == "" {
		return nil, NewInvalidError("survey config id required")
	}
	forms, err := s.store.ListFormsByConfig(ctx, surveyConfigID)
	if err != nil {
		return nil, upstreamError("list survey forms for config", surveyConfigID, err)
	}
	return forms, nil
}

func (s *TrackerService) TrackersByForm(ctx context.Context, surveyFormID string) ([]*ResponseTracker, error) {
	if strings.TrimSpace(surveyFormID) == "" {
		return nil, NewInvalidError("survey form id required")
	}
	trackers, err := s.store.ListTrackersByForm(ctx, surveyFormID)
	if err != nil {
		return nil, upstreamError("list response trackers for survey form", surveyFormID, err)
	}
	return trackers, nil
}

// TrackersByAssessee returns every tracker in which the user is assessed,
// across all cycles.
func (s *TrackerService) TrackersByAssessee(ctx context.Context, assesseeID string) ([]*ResponseTracker, error) {
	if strings.TrimSpace(assesseeID) == "" {
		return nil, NewInvalidError("assessee id required")
	}
	trackers, err := s.store.ListTrackersByAssessee(ctx, assesseeID)
	if err != nil {
		return nil, upstreamError("list response trackers for assessee", assesseeID, err)
	}
	return trackers, nil
}

// LatestResponses returns the trackers, with assessor details, of the user's
// most recent survey form in an active cycle. It fails with ErrNoActiveSurvey
// when there is none.
func (s *TrackerService) LatestResponses(ctx context.Context, userID string) (*SurveyResponses, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, NewInvalidError("user id required")
	}
	form, err := s.store.LatestActiveForm(ctx, userID)
	if err != nil {
		return nil, upstreamError("get latest active survey form for user", userID, err)
	}
	if form == nil {
		return nil, noActiveSurveyError(userID)
	}
	views, err := s.store.ListTrackerViewsByForm(ctx, form.ID)
	if err != nil {
		return nil, upstreamError("list response trackers for survey form", form.ID, err)
	}
	return &SurveyResponses{SurveyFormID: form.ID, Trackers: views}, nil
}
