package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hearing-system/apiserver/config"
	"github.com/hearing-system/apiserver/internal/store"
	"github.com/hearing-system/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

var fixedNow = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func testPolicy() AccessPolicy {
	return NewAccessPolicy(config.AuthConfig{
		AllowedDomains:           []string{"seig-boys.jp", "itoksk.com"},
		TeacherEmails:            []string{"Sensei@itoksk.com"},
		TAEmails:                 []string{"helper@seig-boys.jp"},
		ExternalInstructorEmails: []string{"guest@itoksk.com"},
		StudentDomain:            "seig-boys.jp",
		StaffDomain:              "itoksk.com",
	})
}

func newTestAccessService(repo *fakeUserRepository) *AccessService {
	return NewAccessService(repo, testPolicy(), WithClock(func() time.Time { return fixedNow }))
}

func federated(email string) types.Principal {
	return types.Principal{Email: email, LoginMethod: types.LoginMethodFederated, DisplayName: "Taro"}
}

func TestResolveLoginDeniesForeignDomainWithoutTouchingStore(t *testing.T) {
	repo := newFakeUserRepository()
	svc := newTestAccessService(repo)

	decision, err := svc.ResolveLogin(context.Background(), federated("x@gmail.com"))
	if !errors.Is(err, ErrDomainNotAllowed) {
		t.Fatalf("expected ErrDomainNotAllowed, got %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected deny")
	}
	if repo.calls != 0 {
		t.Fatalf("expected no store access, got %d calls", repo.calls)
	}
}

func TestResolveLoginRolePriority(t *testing.T) {
	tests := []struct {
		email string
		want  types.Role
	}{
		{email: "sensei@itoksk.com", want: types.RoleTeacher},
		{email: "helper@seig-boys.jp", want: types.RoleTA},
		{email: "guest@itoksk.com", want: types.RoleExternalInstructor},
		{email: "taro@seig-boys.jp", want: types.RoleStudent},
		{email: "staff@itoksk.com", want: types.RoleTA},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			svc := newTestAccessService(newFakeUserRepository())
			decision, err := svc.ResolveLogin(context.Background(), federated(tt.email))
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if !decision.Allowed || decision.Role != tt.want {
				t.Fatalf("expected allow as %s, got %+v", tt.want, decision)
			}
		})
	}
}

func TestDeriveRoleFallsBackToStudent(t *testing.T) {
	policy := NewAccessPolicy(config.AuthConfig{
		AllowedDomains: []string{"partner.ac.jp"},
		StudentDomain:  "seig-boys.jp",
		StaffDomain:    "itoksk.com",
	})
	if got := policy.DeriveRole("someone@partner.ac.jp"); got != types.RoleStudent {
		t.Fatalf("expected student fallback, got %s", got)
	}
}

func TestResolveLoginCreatesFederatedRecord(t *testing.T) {
	repo := newFakeUserRepository()
	svc := newTestAccessService(repo)

	if _, err := svc.ResolveLogin(context.Background(), federated("Staff@ITOKSK.com")); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	user, ok := repo.users["staff@itoksk.com"]
	if !ok {
		t.Fatal("expected record keyed by normalized email")
	}
	if user.AuthType != types.AuthTypeFederated || user.Role != types.RoleTA {
		t.Fatalf("unexpected record %+v", user)
	}
	if !user.CreatedAt.Equal(fixedNow) || !user.LastLoginAt.Equal(fixedNow) || !user.Active {
		t.Fatalf("unexpected timestamps or status %+v", user)
	}
	if user.Preferences != types.DefaultPreferences() || user.Stats.TotalConsultations != 0 {
		t.Fatalf("expected defaults, got %+v", user)
	}
	if user.DisplayName != "Taro" {
		t.Fatalf("expected display name from principal, got %q", user.DisplayName)
	}
}

func TestResolveLoginRefreshesAndOverwritesDriftedRole(t *testing.T) {
	repo := newFakeUserRepository()
	earlier := fixedNow.Add(-48 * time.Hour)
	repo.users["staff@itoksk.com"] = types.UserRecord{
		Email:       "staff@itoksk.com",
		Role:        types.RoleTeacher,
		AuthType:    types.AuthTypeFederated,
		CreatedAt:   earlier,
		LastLoginAt: earlier,
		Active:      true,
	}
	svc := newTestAccessService(repo)

	decision, err := svc.ResolveLogin(context.Background(), federated("staff@itoksk.com"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if decision.Role != types.RoleTA {
		t.Fatalf("expected re-derived ta, got %s", decision.Role)
	}

	user := repo.users["staff@itoksk.com"]
	if user.Role != types.RoleTA {
		t.Fatalf("expected stored role overwritten, got %s", user.Role)
	}
	if !user.LastLoginAt.Equal(fixedNow) || !user.CreatedAt.Equal(earlier) {
		t.Fatalf("unexpected timestamps %+v", user)
	}
}

func TestResolveLoginFailsClosedOnStoreError(t *testing.T) {
	repo := newFakeUserRepository()
	repo.createErr = errors.New("connection refused")
	svc := newTestAccessService(repo)

	decision, err := svc.ResolveLogin(context.Background(), federated("taro@seig-boys.jp"))
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("expected ErrPersistenceFailure, got %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected deny when the record cannot be written")
	}
}

func TestResolveLoginDeniesFederatedLoginForPasswordAccount(t *testing.T) {
	repo := newFakeUserRepository()
	repo.users["taro@seig-boys.jp"] = types.UserRecord{
		Email:        "taro@seig-boys.jp",
		Role:         types.RoleStudent,
		AuthType:     types.AuthTypePassword,
		PasswordHash: "hash",
	}
	svc := NewAccessService(repo, NewAccessPolicy(config.AuthConfig{
		AllowedDomains: []string{"seig-boys.jp"},
		TeacherEmails:  []string{"taro@seig-boys.jp"},
		StudentDomain:  "seig-boys.jp",
	}))

	_, err := svc.ResolveLogin(context.Background(), federated("taro@seig-boys.jp"))
	if !errors.Is(err, ErrAuthTypeConflict) {
		t.Fatalf("expected ErrAuthTypeConflict, got %v", err)
	}
	if repo.users["taro@seig-boys.jp"].Role != types.RoleStudent {
		t.Fatal("password account role must stay student")
	}
	if repo.updates != 0 {
		t.Fatalf("expected no writes, got %d", repo.updates)
	}
}

func TestResolveLoginPasswordMethodTouchesNothing(t *testing.T) {
	repo := newFakeUserRepository()
	svc := newTestAccessService(repo)

	decision, err := svc.ResolveLogin(context.Background(), types.Principal{
		Email:       "sensei@itoksk.com",
		LoginMethod: types.LoginMethodPassword,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !decision.Allowed || decision.Role != types.RoleStudent {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if repo.calls != 0 {
		t.Fatalf("expected no store access, got %d calls", repo.calls)
	}
}

func TestAuthorizeCredentials(t *testing.T) {
	repo := newFakeUserRepository()
	svc := newTestAccessService(repo)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "taro@seig-boys.jp", Password: "correct horse"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	user, err := svc.AuthorizeCredentials(ctx, "Taro@seig-boys.jp", "correct horse")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if user.PasswordHash != "" {
		t.Fatal("password hash must not be returned")
	}
	if user.Role != types.RoleStudent || !user.LastLoginAt.Equal(fixedNow) {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestAuthorizeCredentialsRejectsUniformly(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	repo := newFakeUserRepository()
	repo.users["taro@seig-boys.jp"] = types.UserRecord{
		Email:        "taro@seig-boys.jp",
		Role:         types.RoleStudent,
		AuthType:     types.AuthTypePassword,
		PasswordHash: string(hash),
	}
	repo.users["staff@itoksk.com"] = types.UserRecord{
		Email:    "staff@itoksk.com",
		Role:     types.RoleTA,
		AuthType: types.AuthTypeFederated,
	}
	svc := newTestAccessService(repo)

	tests := []struct {
		name     string
		email    string
		password string
		getErr   error
	}{
		{name: "unknown email", email: "nobody@seig-boys.jp", password: "secret-pass"},
		{name: "wrong password", email: "taro@seig-boys.jp", password: "wrong"},
		{name: "federated account", email: "staff@itoksk.com", password: "secret-pass"},
		{name: "empty password", email: "taro@seig-boys.jp", password: ""},
		{name: "store failure", email: "taro@seig-boys.jp", password: "secret-pass", getErr: errors.New("timeout")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo.getErr = tt.getErr
			defer func() { repo.getErr = nil }()

			_, err := svc.AuthorizeCredentials(context.Background(), tt.email, tt.password)
			if err != ErrInvalidCredentials {
				t.Fatalf("expected the bare ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestEnrichSession(t *testing.T) {
	repo := newFakeUserRepository()
	repo.users["sensei@itoksk.com"] = types.UserRecord{
		Email:       "sensei@itoksk.com",
		Role:        types.RoleTeacher,
		DisplayName: "Sato Sensei",
	}
	repo.users["noname@itoksk.com"] = types.UserRecord{
		Email: "noname@itoksk.com",
		Role:  types.RoleTA,
	}
	svc := newTestAccessService(repo)
	ctx := context.Background()

	session := svc.EnrichSession(ctx, "sensei@itoksk.com", "carried")
	if _, ok := session.(types.TeacherSession); !ok {
		t.Fatalf("expected TeacherSession, got %T", session)
	}
	if session.DisplayName() != "Sato Sensei" {
		t.Fatalf("expected stored display name, got %q", session.DisplayName())
	}

	session = svc.EnrichSession(ctx, "noname@itoksk.com", "carried")
	if session.Role() != types.RoleTA || session.DisplayName() != "carried" {
		t.Fatalf("expected ta with carried name, got %+v", types.Info(session))
	}

	session = svc.EnrichSession(ctx, "ghost@seig-boys.jp", "")
	if _, ok := session.(types.StudentSession); !ok || session.DisplayName() != "" {
		t.Fatalf("expected empty student session, got %+v", types.Info(session))
	}

	repo.getErr = errors.New("unavailable")
	session = svc.EnrichSession(ctx, "sensei@itoksk.com", "carried")
	if session.Role() != types.RoleStudent || session.DisplayName() != "carried" {
		t.Fatalf("expected degraded defaults, got %+v", types.Info(session))
	}
}

func TestRegister(t *testing.T) {
	repo := newFakeUserRepository()
	svc := newTestAccessService(repo)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "", Password: "pw"}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@seig-boys.jp"}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@itoksk.com", Password: "pw"}); !errors.Is(err, ErrDomainNotAllowed) {
		t.Fatalf("expected ErrDomainNotAllowed, got %v", err)
	}

	user, err := svc.Register(ctx, RegisterInput{Email: "hanako@seig-boys.jp", Password: "pw123456"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.DisplayName != "hanako" || user.Role != types.RoleStudent || user.AuthType != types.AuthTypePassword {
		t.Fatalf("unexpected user %+v", user)
	}

	stored := repo.users["hanako@seig-boys.jp"]
	if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("pw123456")); err != nil {
		t.Fatalf("stored hash does not verify: %v", err)
	}
	if cost, _ := bcrypt.Cost([]byte(stored.PasswordHash)); cost != 10 {
		t.Fatalf("expected bcrypt cost 10, got %d", cost)
	}
	if !stored.Active || stored.Preferences != types.DefaultPreferences() {
		t.Fatalf("expected defaults, got %+v", stored)
	}

	if _, err := svc.Register(ctx, RegisterInput{Email: "hanako@seig-boys.jp", Password: "other"}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

type recordingLoginObserver struct {
	outcomes []string
}

func (o *recordingLoginObserver) ObserveLogin(method types.LoginMethod, outcome string) {
	o.outcomes = append(o.outcomes, string(method)+":"+outcome)
}

func TestResolveLoginReportsOutcomes(t *testing.T) {
	observer := &recordingLoginObserver{}
	svc := NewAccessService(newFakeUserRepository(), testPolicy(), WithLoginObserver(observer))

	_, _ = svc.ResolveLogin(context.Background(), federated("x@gmail.com"))
	_, _ = svc.ResolveLogin(context.Background(), federated("taro@seig-boys.jp"))

	want := []string{"federated-oauth:denied_domain", "federated-oauth:allowed"}
	if len(observer.outcomes) != len(want) || observer.outcomes[0] != want[0] || observer.outcomes[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, observer.outcomes)
	}
}

type fakeUserRepository struct {
	mu        sync.Mutex
	users     map[string]types.UserRecord
	getErr    error
	createErr error
	updateErr error
	calls     int
	updates   int
}

func newFakeUserRepository() *fakeUserRepository {
	return &fakeUserRepository{users: make(map[string]types.UserRecord)}
}

func (r *fakeUserRepository) Get(ctx context.Context, email string) (types.UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.getErr != nil {
		return types.UserRecord{}, r.getErr
	}
	user, ok := r.users[email]
	if !ok {
		return types.UserRecord{}, store.ErrNotFound
	}
	return user, nil
}

func (r *fakeUserRepository) Create(ctx context.Context, user types.UserRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.createErr != nil {
		return r.createErr
	}
	if _, exists := r.users[user.Email]; exists {
		return store.ErrAlreadyExists
	}
	r.users[user.Email] = user
	return nil
}

func (r *fakeUserRepository) Update(ctx context.Context, email string, update types.UserUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.updateErr != nil {
		return r.updateErr
	}
	user, ok := r.users[email]
	if !ok {
		return store.ErrNotFound
	}
	r.updates++
	if update.LastLoginAt != nil {
		user.LastLoginAt = *update.LastLoginAt
	}
	if update.Role != nil {
		user.Role = *update.Role
	}
	r.users[email] = user
	return nil
}

func (r *fakeUserRepository) IncrementConsultations(ctx context.Context, email string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	user, ok := r.users[email]
	if !ok {
		return store.ErrNotFound
	}
	user.Stats.TotalConsultations++
	user.Stats.LastConsultationAt = &at
	r.users[email] = user
	return nil
}

func (r *fakeUserRepository) AdjustResolvedCount(ctx context.Context, email string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	user, ok := r.users[email]
	if !ok {
		return store.ErrNotFound
	}
	user.Stats.ResolvedCount += delta
	if user.Stats.ResolvedCount < 0 {
		user.Stats.ResolvedCount = 0
	}
	r.users[email] = user
	return nil
}
