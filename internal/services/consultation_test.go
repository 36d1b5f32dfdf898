package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hearing-system/apiserver/internal/store"
	"github.com/hearing-system/apiserver/types"
)

const validDetails = "Rigidbody をつけたのにキャラクターが床をすり抜けてしまいます"

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     types.ConsultationRequest
		wantErr bool
	}{
		{name: "valid", req: types.ConsultationRequest{Theme: "Unity", Details: validDetails}},
		{name: "missing theme", req: types.ConsultationRequest{Details: validDetails}, wantErr: true},
		{name: "too short", req: types.ConsultationRequest{Theme: "Unity", Details: "短い"}, wantErr: true},
		{name: "twenty characters counted as runes", req: types.ConsultationRequest{Theme: "Unity", Details: strings.Repeat("あ", 20)}},
		{name: "nineteen characters", req: types.ConsultationRequest{Theme: "Unity", Details: strings.Repeat("あ", 19)}, wantErr: true},
		{name: "upper bound", req: types.ConsultationRequest{Theme: "Unity", Details: strings.Repeat("a", 5000)}},
		{name: "too long", req: types.ConsultationRequest{Theme: "Unity", Details: strings.Repeat("a", 5001)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequest(tt.req)
			if tt.wantErr && !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAnalyzeSkipsInvalidRequests(t *testing.T) {
	analyzer := &stubAnalyzer{}
	svc := NewConsultationService(analyzer, newFakeConsultationRepository(), newFakeUserRepository(), nil)

	if _, err := svc.Analyze(context.Background(), types.ConsultationRequest{Theme: "x", Details: "short"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if analyzer.calls != 0 {
		t.Fatal("analyzer must not be called for invalid requests")
	}

	if _, err := svc.Analyze(context.Background(), types.ConsultationRequest{Theme: "x", Details: validDetails}); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analyzer.calls != 1 {
		t.Fatalf("expected one analyzer call, got %d", analyzer.calls)
	}
}

func TestSaveConsultation(t *testing.T) {
	users := newFakeUserRepository()
	users.users["taro@seig-boys.jp"] = types.UserRecord{Email: "taro@seig-boys.jp", Role: types.RoleStudent}
	consultations := newFakeConsultationRepository()
	events := &recordingPublisher{}
	svc := newTestConsultationService(consultations, users, events)

	analysis := json.RawMessage(`{"summary":"s","tags":["physics","collider"],"recommendedResources":[{"id":"gem-001","reason":"r"}]}`)
	saved, err := svc.Save(context.Background(), "Taro@seig-boys.jp", SaveInput{
		Theme:          "Unity",
		Details:        validDetails,
		Analysis:       analysis,
		SelfEvaluation: &types.SelfEvaluation{Success: "a", Challenges: "b", NextSteps: "c"},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if saved.ID != "c-1" || saved.StudentEmail != "taro@seig-boys.jp" || saved.Status != types.ConsultationStatusCompleted {
		t.Fatalf("unexpected consultation %+v", saved)
	}
	if len(saved.Tags) != 2 || saved.Tags[0] != "physics" {
		t.Fatalf("expected tags from analysis, got %v", saved.Tags)
	}
	if len(saved.RecommendedResources) != 1 || saved.RecommendedResources[0].ID != "gem-001" {
		t.Fatalf("expected resources from analysis, got %v", saved.RecommendedResources)
	}
	if saved.Resolved {
		t.Fatal("new consultations start unresolved")
	}
	if _, err := consultations.Get(context.Background(), "c-1"); err != nil {
		t.Fatalf("expected stored consultation: %v", err)
	}

	stats := users.users["taro@seig-boys.jp"].Stats
	if stats.TotalConsultations != 1 || stats.LastConsultationAt == nil || !stats.LastConsultationAt.Equal(fixedNow) {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if len(events.events) != 1 || events.events[0].Type != types.EventConsultationSaved || events.events[0].ConsultationID != "c-1" {
		t.Fatalf("unexpected events %+v", events.events)
	}
}

func TestSaveConsultationValidation(t *testing.T) {
	svc := newTestConsultationService(newFakeConsultationRepository(), newFakeUserRepository(), nil)
	eval := &types.SelfEvaluation{}

	tests := []struct {
		name string
		in   SaveInput
	}{
		{name: "missing evaluation", in: SaveInput{Theme: "t", Details: "d", Analysis: json.RawMessage(`{}`)}},
		{name: "missing analysis", in: SaveInput{Theme: "t", Details: "d", SelfEvaluation: eval}},
		{name: "analysis not an object", in: SaveInput{Theme: "t", Details: "d", Analysis: json.RawMessage(`[1]`), SelfEvaluation: eval}},
		{name: "analysis malformed", in: SaveInput{Theme: "t", Details: "d", Analysis: json.RawMessage(`{"a":`), SelfEvaluation: eval}},
		{name: "missing theme", in: SaveInput{Details: "d", Analysis: json.RawMessage(`{}`), SelfEvaluation: eval}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Save(context.Background(), "taro@seig-boys.jp", tt.in); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestSaveToleratesMistypedAnalysisFields(t *testing.T) {
	svc := newTestConsultationService(newFakeConsultationRepository(), newFakeUserRepository(), nil)

	saved, err := svc.Save(context.Background(), "taro@seig-boys.jp", SaveInput{
		Theme:          "t",
		Details:        "d",
		Analysis:       json.RawMessage(`{"tags":"physics"}`),
		SelfEvaluation: &types.SelfEvaluation{},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Tags == nil || len(saved.Tags) != 0 {
		t.Fatalf("expected empty tags, got %#v", saved.Tags)
	}
}

func TestGetConsultationVisibility(t *testing.T) {
	consultations := newFakeConsultationRepository()
	consultations.items["c-1"] = types.Consultation{ID: "c-1", StudentEmail: "taro@seig-boys.jp"}
	svc := newTestConsultationService(consultations, newFakeUserRepository(), nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		email   string
		readAny bool
		wantErr error
	}{
		{name: "owner", email: "taro@seig-boys.jp"},
		{name: "owner with mixed case", email: "Taro@Seig-Boys.jp"},
		{name: "reviewer", email: "sensei@itoksk.com", readAny: true},
		{name: "other student", email: "hanako@seig-boys.jp", wantErr: ErrForbidden},
		{name: "other without review access", email: "guest@itoksk.com", wantErr: ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Get(ctx, tt.email, "c-1", tt.readAny)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := svc.Get(ctx, "sensei@itoksk.com", "missing", true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveAndOwnStatus(t *testing.T) {
	users := newFakeUserRepository()
	users.users["taro@seig-boys.jp"] = types.UserRecord{Email: "taro@seig-boys.jp"}
	consultations := newFakeConsultationRepository()
	consultations.items["c-1"] = types.Consultation{ID: "c-1", StudentEmail: "taro@seig-boys.jp"}
	events := &recordingPublisher{}
	svc := newTestConsultationService(consultations, users, events)
	ctx := context.Background()

	resolved, err := svc.Resolve(ctx, "c-1", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || !consultations.items["c-1"].Resolved {
		t.Fatal("expected consultation resolved")
	}
	if users.users["taro@seig-boys.jp"].Stats.ResolvedCount != 1 {
		t.Fatalf("expected resolved count 1, got %+v", users.users["taro@seig-boys.jp"].Stats)
	}

	// Setting the same value again is a no-op.
	if _, err := svc.Resolve(ctx, "c-1", true); err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(events.events))
	}

	if _, err := svc.SetOwnStatus(ctx, "hanako@seig-boys.jp", "c-1", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	reopened, err := svc.SetOwnStatus(ctx, "taro@seig-boys.jp", "c-1", false)
	if err != nil {
		t.Fatalf("set own status: %v", err)
	}
	if reopened.Resolved || users.users["taro@seig-boys.jp"].Stats.ResolvedCount != 0 {
		t.Fatal("expected consultation reopened and count decremented")
	}
	last := events.events[len(events.events)-1]
	if last.Type != types.EventConsultationResolved || last.Resolved {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestResolveSkipsCounterWhenAlreadyApplied(t *testing.T) {
	users := newFakeUserRepository()
	users.users["taro@seig-boys.jp"] = types.UserRecord{Email: "taro@seig-boys.jp"}
	consultations := newFakeConsultationRepository()
	consultations.items["c-1"] = types.Consultation{ID: "c-1", StudentEmail: "taro@seig-boys.jp"}
	// Another request resolves c-1 between this request's read and write.
	consultations.concurrentWriter = true
	events := &recordingPublisher{}
	svc := newTestConsultationService(consultations, users, events)

	got, err := svc.Resolve(context.Background(), "c-1", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Resolved {
		t.Fatal("expected the stored resolved flag to be returned")
	}
	if count := users.users["taro@seig-boys.jp"].Stats.ResolvedCount; count != 0 {
		t.Fatalf("expected resolved count untouched, got %d", count)
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no event, got %d", len(events.events))
	}
}

func TestListQueriesUseLimits(t *testing.T) {
	consultations := newFakeConsultationRepository()
	base := fixedNow
	for i, email := range []string{"taro@seig-boys.jp", "hanako@seig-boys.jp", "taro@seig-boys.jp"} {
		id := string(rune('a' + i))
		consultations.items[id] = types.Consultation{ID: id, StudentEmail: email, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
	}
	svc := newTestConsultationService(consultations, newFakeUserRepository(), nil)

	mine, err := svc.ListMine(context.Background(), "taro@seig-boys.jp")
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != "c" {
		t.Fatalf("expected own consultations newest first, got %+v", mine)
	}
	if consultations.lastLimit != StudentHistoryLimit {
		t.Fatalf("expected limit %d, got %d", StudentHistoryLimit, consultations.lastLimit)
	}

	recent, err := svc.ListRecent(context.Background())
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 3 || consultations.lastLimit != RecentLimit {
		t.Fatalf("unexpected recent list %d (limit %d)", len(recent), consultations.lastLimit)
	}
}

func TestPublishFailureDoesNotFailSave(t *testing.T) {
	events := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestConsultationService(newFakeConsultationRepository(), newFakeUserRepository(), events)

	_, err := svc.Save(context.Background(), "taro@seig-boys.jp", SaveInput{
		Theme:          "t",
		Details:        "d",
		Analysis:       json.RawMessage(`{}`),
		SelfEvaluation: &types.SelfEvaluation{},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
}

func newTestConsultationService(consultations *fakeConsultationRepository, users *fakeUserRepository, events *recordingPublisher) *ConsultationService {
	var publisher EventPublisher
	if events != nil {
		publisher = events
	}
	svc := NewConsultationService(&stubAnalyzer{}, consultations, users, publisher)
	svc.now = func() time.Time { return fixedNow }
	next := 0
	svc.newID = func() string {
		next++
		return "c-" + string(rune('0'+next))
	}
	return svc
}

type stubAnalyzer struct {
	calls int
}

func (a *stubAnalyzer) Analyze(ctx context.Context, theme, details string) (types.AnalysisResult, error) {
	a.calls++
	return types.AnalysisResult{Summary: "ok"}, nil
}

type recordingPublisher struct {
	events []types.ConsultationEvent
	err    error
}

func (p *recordingPublisher) PublishConsultationEvent(ctx context.Context, event types.ConsultationEvent) error {
	p.events = append(p.events, event)
	return p.err
}

type fakeConsultationRepository struct {
	mu        sync.Mutex
	items     map[string]types.Consultation
	lastLimit int

	// concurrentWriter applies the requested flag before the conditional
	// update runs, so the update finds nothing to change.
	concurrentWriter bool
}

func newFakeConsultationRepository() *fakeConsultationRepository {
	return &fakeConsultationRepository{items: make(map[string]types.Consultation)}
}

func (r *fakeConsultationRepository) Create(ctx context.Context, consultation types.Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[consultation.ID]; exists {
		return store.ErrAlreadyExists
	}
	r.items[consultation.ID] = consultation
	return nil
}

func (r *fakeConsultationRepository) Get(ctx context.Context, id string) (types.Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	consultation, ok := r.items[id]
	if !ok {
		return types.Consultation{}, store.ErrNotFound
	}
	return consultation, nil
}

func (r *fakeConsultationRepository) SetResolved(ctx context.Context, id string, resolved bool, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	consultation, ok := r.items[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.concurrentWriter {
		consultation.Resolved = resolved
		r.items[id] = consultation
	}
	if consultation.Resolved == resolved {
		return false, nil
	}
	consultation.Resolved = resolved
	consultation.UpdatedAt = at
	r.items[id] = consultation
	return true, nil
}

func (r *fakeConsultationRepository) ListByStudent(ctx context.Context, email string, limit int) ([]types.Consultation, error) {
	return r.list(limit, func(c types.Consultation) bool { return c.StudentEmail == email })
}

func (r *fakeConsultationRepository) ListRecent(ctx context.Context, limit int) ([]types.Consultation, error) {
	return r.list(limit, func(types.Consultation) bool { return true })
}

func (r *fakeConsultationRepository) list(limit int, keep func(types.Consultation) bool) ([]types.Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLimit = limit
	out := make([]types.Consultation, 0, len(r.items))
	for _, c := range r.items {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
