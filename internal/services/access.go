package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hearing-system/apiserver/config"
	"github.com/hearing-system/apiserver/internal/store"
	"github.com/hearing-system/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

const passwordHashCost = 10

var (
	// ErrDomainNotAllowed signals an email outside the permitted domains.
	ErrDomainNotAllowed = errors.New("access: email domain not allowed")
	// ErrInvalidCredentials is the single outcome of every failed password login.
	ErrInvalidCredentials = errors.New("access: invalid credentials")
	// ErrPersistenceFailure signals that the user record could not be read or written.
	ErrPersistenceFailure = errors.New("access: persistence failure")
	// ErrMissingField signals an empty required registration field.
	ErrMissingField = errors.New("access: email and password are required")
	// ErrAlreadyRegistered signals a registration for an existing email.
	ErrAlreadyRegistered = errors.New("access: email already registered")
	// ErrAuthTypeConflict signals a federated login for a password account.
	ErrAuthTypeConflict = errors.New("access: account uses password sign-in")
)

// UserRepository defines persistence operations for user records.
type UserRepository interface {
	Get(ctx context.Context, email string) (types.UserRecord, error)
	Create(ctx context.Context, user types.UserRecord) error
	Update(ctx context.Context, email string, update types.UserUpdate) error
	IncrementConsultations(ctx context.Context, email string, at time.Time) error
	AdjustResolvedCount(ctx context.Context, email string, delta int) error
}

// LoginObserver receives login outcomes. Implementations must be safe for
// concurrent use.
type LoginObserver interface {
	ObserveLogin(method types.LoginMethod, outcome string)
}

// Login outcomes reported to a LoginObserver.
const (
	LoginAllowed        = "allowed"
	LoginDeniedDomain   = "denied_domain"
	LoginDeniedConflict = "denied_conflict"
	LoginDeniedStore    = "denied_store"
	LoginRejected       = "rejected"
)

type emailSet map[string]struct{}

func newEmailSet(values []string) emailSet {
	set := make(emailSet, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value != "" {
			set[value] = struct{}{}
		}
	}
	return set
}

func (s emailSet) has(value string) bool {
	_, ok := s[value]
	return ok
}

// AccessPolicy holds the allow-lists the resolver decides from. All entries
// are compared lower-cased.
type AccessPolicy struct {
	allowedDomains      emailSet
	teachers            emailSet
	tas                 emailSet
	externalInstructors emailSet
	studentDomain       string
	staffDomain         string
}

// NewAccessPolicy builds a policy from the auth configuration.
func NewAccessPolicy(cfg config.AuthConfig) AccessPolicy {
	return AccessPolicy{
		allowedDomains:      newEmailSet(cfg.AllowedDomains),
		teachers:            newEmailSet(cfg.TeacherEmails),
		tas:                 newEmailSet(cfg.TAEmails),
		externalInstructors: newEmailSet(cfg.ExternalInstructorEmails),
		studentDomain:       strings.ToLower(strings.TrimSpace(cfg.StudentDomain)),
		staffDomain:         strings.ToLower(strings.TrimSpace(cfg.StaffDomain)),
	}
}

// DomainAllowed reports whether federated logins from domain are admitted.
func (p AccessPolicy) DomainAllowed(domain string) bool {
	return domain != "" && p.allowedDomains.has(domain)
}

// DeriveRole applies the role priority; the first match wins.
func (p AccessPolicy) DeriveRole(email string) types.Role {
	email = types.NormalizeEmail(email)
	domain := types.EmailDomain(email)
	switch {
	case p.teachers.has(email):
		return types.RoleTeacher
	case p.tas.has(email):
		return types.RoleTA
	case p.externalInstructors.has(email):
		return types.RoleExternalInstructor
	case domain == p.studentDomain:
		return types.RoleStudent
	case domain == p.staffDomain:
		return types.RoleTA
	default:
		return types.RoleStudent
	}
}

// LoginDecision is the outcome of ResolveLogin.
type LoginDecision struct {
	Allowed bool
	Role    types.Role
}

// RegisterInput is a self-service student registration.
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

// AccessOption configures an AccessService.
type AccessOption func(*AccessService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) AccessOption {
	return func(s *AccessService) { s.now = now }
}

// WithLoginObserver reports login outcomes to o.
func WithLoginObserver(o LoginObserver) AccessOption {
	return func(s *AccessService) { s.observer = o }
}

// AccessService decides login admission and roles and keeps user records
// consistent. It holds no mutable state.
type AccessService struct {
	repo     UserRepository
	policy   AccessPolicy
	now      func() time.Time
	observer LoginObserver
}

func NewAccessService(repo UserRepository, policy AccessPolicy, opts ...AccessOption) *AccessService {
	s := &AccessService{repo: repo, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the policy the service decides from.
func (s *AccessService) Policy() AccessPolicy {
	return s.policy
}

// ResolveLogin admits or denies a login and derives the role. Password
// principals are decided by AuthorizeCredentials, so they are admitted here
// with the fixed student role and nothing is written.
//
// Federated principals outside the allowed domains are denied without
// touching the store. Otherwise the user record is created or refreshed;
// if that write fails the login is denied.
func (s *AccessService) ResolveLogin(ctx context.Context, principal types.Principal) (LoginDecision, error) {
	if principal.LoginMethod == types.LoginMethodPassword {
		return LoginDecision{Allowed: true, Role: types.RoleStudent}, nil
	}

	email := types.NormalizeEmail(principal.Email)
	if !s.policy.DomainAllowed(types.EmailDomain(email)) {
		log.Printf("access: denied federated login from %s: domain not allowed", email)
		s.observe(principal.LoginMethod, LoginDeniedDomain)
		return LoginDecision{}, ErrDomainNotAllowed
	}

	role := s.policy.DeriveRole(email)
	if err := s.upsertFederated(ctx, email, role, principal); err != nil {
		if errors.Is(err, ErrAuthTypeConflict) {
			log.Printf("access: denied federated login for password account %s", email)
			s.observe(principal.LoginMethod, LoginDeniedConflict)
			return LoginDecision{}, err
		}
		log.Printf("access: denied federated login for %s: %v", email, err)
		s.observe(principal.LoginMethod, LoginDeniedStore)
		return LoginDecision{}, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	s.observe(principal.LoginMethod, LoginAllowed)
	return LoginDecision{Allowed: true, Role: role}, nil
}

func (s *AccessService) upsertFederated(ctx context.Context, email string, role types.Role, principal types.Principal) error {
	now := s.now()

	existing, err := s.repo.Get(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		err = s.repo.Create(ctx, types.UserRecord{
			Email:       email,
			Role:        role,
			AuthType:    types.AuthTypeFederated,
			DisplayName: principal.DisplayName,
			AvatarURL:   principal.AvatarURL,
			CreatedAt:   now,
			LastLoginAt: now,
			Active:      true,
			Preferences: types.DefaultPreferences(),
		})
		if err == nil {
			log.Printf("access: created federated user %s as %s", email, role)
			return nil
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
		// Lost a race with a concurrent first login; refresh the winner's record.
		existing, err = s.repo.Get(ctx, email)
	}
	if err != nil {
		return err
	}

	if existing.AuthType == types.AuthTypePassword {
		return ErrAuthTypeConflict
	}

	update := types.UserUpdate{LastLoginAt: &now}
	if existing.Role != role {
		log.Printf("access: role of %s changed %s -> %s", email, existing.Role, role)
		update.Role = &role
	}
	return s.repo.Update(ctx, email, update)
}

// AuthorizeCredentials verifies a password login. Every failure, including
// store errors, yields ErrInvalidCredentials.
func (s *AccessService) AuthorizeCredentials(ctx context.Context, email, password string) (types.UserRecord, error) {
	email = types.NormalizeEmail(email)
	if email == "" || password == "" {
		return s.reject()
	}

	user, err := s.repo.Get(ctx, email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("access: credential lookup for %s failed: %v", email, err)
		}
		return s.reject()
	}
	if user.AuthType != types.AuthTypePassword || user.PasswordHash == "" {
		return s.reject()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return s.reject()
	}

	now := s.now()
	if err := s.repo.Update(ctx, email, types.UserUpdate{LastLoginAt: &now}); err != nil {
		log.Printf("access: recording login for %s failed: %v", email, err)
		return s.reject()
	}

	user.LastLoginAt = now
	user.PasswordHash = ""
	s.observe(types.LoginMethodPassword, LoginAllowed)
	return user, nil
}

func (s *AccessService) reject() (types.UserRecord, error) {
	s.observe(types.LoginMethodPassword, LoginRejected)
	return types.UserRecord{}, ErrInvalidCredentials
}

// EnrichSession builds the session for a live request. A missing record
// yields a student session; lookup failures are logged and degrade to the
// same defaults.
func (s *AccessService) EnrichSession(ctx context.Context, email, carriedName string) types.Session {
	email = types.NormalizeEmail(email)
	role := types.RoleStudent
	displayName := carriedName

	user, err := s.repo.Get(ctx, email)
	switch {
	case err == nil:
		if user.Role.Valid() {
			role = user.Role
		}
		if user.DisplayName != "" {
			displayName = user.DisplayName
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		log.Printf("access: session lookup for %s failed: %v", email, err)
	}

	return types.NewSession(role, email, displayName)
}

// Register creates a password account for a student. It does not sign the
// user in.
func (s *AccessService) Register(ctx context.Context, in RegisterInput) (types.UserRecord, error) {
	email := types.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return types.UserRecord{}, ErrMissingField
	}
	if types.EmailDomain(email) != s.policy.studentDomain {
		return types.UserRecord{}, ErrDomainNotAllowed
	}

	if _, err := s.repo.Get(ctx, email); err == nil {
		return types.UserRecord{}, ErrAlreadyRegistered
	} else if !errors.Is(err, store.ErrNotFound) {
		return types.UserRecord{}, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(in.Password), passwordHashCost)
	if err != nil {
		return types.UserRecord{}, fmt.Errorf("access: hash password: %w", err)
	}

	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName, _, _ = strings.Cut(email, "@")
	}

	now := s.now()
	user := types.UserRecord{
		Email:        email,
		Role:         types.RoleStudent,
		AuthType:     types.AuthTypePassword,
		PasswordHash: string(hashed),
		DisplayName:  displayName,
		CreatedAt:    now,
		LastLoginAt:  now,
		Active:       true,
		Preferences:  types.DefaultPreferences(),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return types.UserRecord{}, ErrAlreadyRegistered
		}
		return types.UserRecord{}, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	log.Printf("access: registered student %s", email)
	user.PasswordHash = ""
	return user, nil
}

func (s *AccessService) observe(method types.LoginMethod, outcome string) {
	if s.observer != nil {
		s.observer.ObserveLogin(method, outcome)
	}
}
