package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hearing-system/apiserver/internal/store"
	"github.com/hearing-system/apiserver/types"
)

// List limits for consultation queries.
const (
	StudentHistoryLimit = 50
	RecentLimit         = 100
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden signals an operation on another user's consultation.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Analyzer produces an analysis for a consultation.
type Analyzer interface {
	Analyze(ctx context.Context, theme, details string) (types.AnalysisResult, error)
}

// ConsultationRepository defines persistence operations for consultations.
type ConsultationRepository interface {
	Create(ctx context.Context, consultation types.Consultation) error
	Get(ctx context.Context, id string) (types.Consultation, error)
	SetResolved(ctx context.Context, id string, resolved bool, at time.Time) (bool, error)
	ListByStudent(ctx context.Context, email string, limit int) ([]types.Consultation, error)
	ListRecent(ctx context.Context, limit int) ([]types.Consultation, error)
}

// EventPublisher publishes consultation lifecycle events.
type EventPublisher interface {
	PublishConsultationEvent(ctx context.Context, event types.ConsultationEvent) error
}

// SaveInput is a consultation the student accepted after analysis.
type SaveInput struct {
	Theme          string
	Details        string
	LessonNumber   int
	Analysis       json.RawMessage
	SelfEvaluation *types.SelfEvaluation
}

// ConsultationService encapsulates consultation use-cases.
type ConsultationService struct {
	analyzer      Analyzer
	consultations ConsultationRepository
	users         UserRepository
	events        EventPublisher
	now           func() time.Time
	newID         func() string
}

// NewConsultationService constructs the service. events may be nil.
func NewConsultationService(analyzer Analyzer, consultations ConsultationRepository, users UserRepository, events EventPublisher) *ConsultationService {
	return &ConsultationService{
		analyzer:      analyzer,
		consultations: consultations,
		users:         users,
		events:        events,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// ValidateRequest checks the theme and the details length in characters.
func ValidateRequest(req types.ConsultationRequest) error {
	if strings.TrimSpace(req.Theme) == "" || strings.TrimSpace(req.Details) == "" {
		return &ValidationError{Field: "theme", Message: "theme and details are required"}
	}
	n := utf8.RuneCountInString(req.Details)
	if n < types.MinDetailsLength {
		return &ValidationError{Field: "details", Message: fmt.Sprintf("details must be at least %d characters", types.MinDetailsLength)}
	}
	if n > types.MaxDetailsLength {
		return &ValidationError{Field: "details", Message: fmt.Sprintf("details must be at most %d characters", types.MaxDetailsLength)}
	}
	return nil
}

// Analyze validates the request and runs the analysis.
func (s *ConsultationService) Analyze(ctx context.Context, req types.ConsultationRequest) (types.AnalysisResult, error) {
	if err := ValidateRequest(req); err != nil {
		return types.AnalysisResult{}, err
	}
	return s.analyzer.Analyze(ctx, req.Theme, req.Details)
}

// Save stores an analyzed consultation for the student and bumps the
// student's counters. Counter and event failures are logged only.
func (s *ConsultationService) Save(ctx context.Context, email string, in SaveInput) (types.Consultation, error) {
	if strings.TrimSpace(in.Theme) == "" || strings.TrimSpace(in.Details) == "" ||
		len(in.Analysis) == 0 || in.SelfEvaluation == nil {
		return types.Consultation{}, &ValidationError{Field: "body", Message: "missing required fields"}
	}

	if trimmed := bytes.TrimSpace(in.Analysis); len(trimmed) == 0 || trimmed[0] != '{' {
		return types.Consultation{}, &ValidationError{Field: "analysis", Message: "analysis must be a JSON object"}
	}
	var analysis types.AnalysisResult
	if err := json.Unmarshal(in.Analysis, &analysis); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return types.Consultation{}, &ValidationError{Field: "analysis", Message: "analysis must be a JSON object"}
		}
	}

	now := s.now()
	consultation := types.Consultation{
		ID:                   s.newID(),
		StudentEmail:         types.NormalizeEmail(email),
		LessonNumber:         in.LessonNumber,
		Theme:                in.Theme,
		Details:              in.Details,
		Analysis:             in.Analysis,
		SelfEvaluation:       *in.SelfEvaluation,
		Status:               types.ConsultationStatusCompleted,
		Tags:                 nonNilStrings(analysis.Tags),
		RecommendedResources: nonNilResources(analysis.RecommendedResources),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.consultations.Create(ctx, consultation); err != nil {
		return types.Consultation{}, fmt.Errorf("save consultation: %w", err)
	}

	if err := s.users.IncrementConsultations(ctx, consultation.StudentEmail, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("consultation: updating stats of %s failed: %v", consultation.StudentEmail, err)
	}

	s.publish(ctx, types.ConsultationEvent{
		Type:           types.EventConsultationSaved,
		ConsultationID: consultation.ID,
		StudentEmail:   consultation.StudentEmail,
		Tags:           consultation.Tags,
		OccurredAt:     now,
	})
	return consultation, nil
}

// Get returns a consultation to its owner, or to anyone when readAny is set.
func (s *ConsultationService) Get(ctx context.Context, email, id string, readAny bool) (types.Consultation, error) {
	consultation, err := s.consultations.Get(ctx, id)
	if err != nil {
		return types.Consultation{}, err
	}
	if !readAny && consultation.StudentEmail != types.NormalizeEmail(email) {
		return types.Consultation{}, ErrForbidden
	}
	return consultation, nil
}

// ListMine returns the student's own consultations, newest first.
func (s *ConsultationService) ListMine(ctx context.Context, email string) ([]types.Consultation, error) {
	return s.consultations.ListByStudent(ctx, types.NormalizeEmail(email), StudentHistoryLimit)
}

// ListRecent returns the most recent consultations of all students.
func (s *ConsultationService) ListRecent(ctx context.Context) ([]types.Consultation, error) {
	return s.consultations.ListRecent(ctx, RecentLimit)
}

// Resolve sets the resolved flag on any consultation. Callers must have
// checked that the session may review consultations.
func (s *ConsultationService) Resolve(ctx context.Context, id string, resolved bool) (types.Consultation, error) {
	consultation, err := s.consultations.Get(ctx, id)
	if err != nil {
		return types.Consultation{}, err
	}
	return s.setResolved(ctx, consultation, resolved)
}

// SetOwnStatus lets a student set the resolved flag on their own consultation.
func (s *ConsultationService) SetOwnStatus(ctx context.Context, email, id string, resolved bool) (types.Consultation, error) {
	consultation, err := s.consultations.Get(ctx, id)
	if err != nil {
		return types.Consultation{}, err
	}
	if consultation.StudentEmail != types.NormalizeEmail(email) {
		return types.Consultation{}, ErrForbidden
	}
	return s.setResolved(ctx, consultation, resolved)
}

func (s *ConsultationService) setResolved(ctx context.Context, consultation types.Consultation, resolved bool) (types.Consultation, error) {
	if consultation.Resolved == resolved {
		return consultation, nil
	}

	now := s.now()
	changed, err := s.consultations.SetResolved(ctx, consultation.ID, resolved, now)
	if err != nil {
		return types.Consultation{}, fmt.Errorf("update consultation: %w", err)
	}
	if !changed {
		// A concurrent update already set the flag and adjusted the counter.
		return s.consultations.Get(ctx, consultation.ID)
	}
	consultation.Resolved = resolved
	consultation.UpdatedAt = now

	delta := 1
	if !resolved {
		delta = -1
	}
	if err := s.users.AdjustResolvedCount(ctx, consultation.StudentEmail, delta); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("consultation: updating resolved count of %s failed: %v", consultation.StudentEmail, err)
	}

	s.publish(ctx, types.ConsultationEvent{
		Type:           types.EventConsultationResolved,
		ConsultationID: consultation.ID,
		StudentEmail:   consultation.StudentEmail,
		Resolved:       resolved,
		Tags:           consultation.Tags,
		OccurredAt:     now,
	})
	return consultation, nil
}

func (s *ConsultationService) publish(ctx context.Context, event types.ConsultationEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishConsultationEvent(ctx, event); err != nil {
		log.Printf("consultation: publishing %s for %s failed: %v", event.Type, event.ConsultationID, err)
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilResources(values []types.RecommendedResource) []types.RecommendedResource {
	if values == nil {
		return []types.RecommendedResource{}
	}
	return values
}
