package types

import (
	"strings"
	"time"
)

// Role is the authorization level a user holds within the course.
type Role string

// Supported roles.
const (
	// RoleStudent is the default role; every password account holds it.
	RoleStudent Role = "student"

	// RoleTeacher grants full review access over all consultations.
	RoleTeacher Role = "teacher"

	// RoleTA grants review access equivalent to a teacher.
	RoleTA Role = "ta"

	// RoleExternalInstructor is a visiting instructor listed by email.
	RoleExternalInstructor Role = "external-instructor"
)

// Valid reports whether r is one of the supported roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleTA, RoleExternalInstructor:
		return true
	default:
		return false
	}
}

// AuthType records how an account authenticates.
type AuthType string

// Supported authentication types.
const (
	// AuthTypePassword accounts sign in with a locally stored bcrypt hash.
	AuthTypePassword AuthType = "password"

	// AuthTypeFederated accounts sign in through an external identity provider.
	AuthTypeFederated AuthType = "federated"
)

// LoginMethod identifies the path a principal uses to authenticate.
type LoginMethod string

// Supported login methods.
const (
	LoginMethodFederated LoginMethod = "federated-oauth"
	LoginMethodPassword  LoginMethod = "password-credentials"
)

// Principal is a single login attempt. It is never stored as-is.
type Principal struct {
	Email       string
	LoginMethod LoginMethod
	DisplayName string
	AvatarURL   string
}

// Domain returns the part of the email after the first "@", or "" when absent.
func (p Principal) Domain() string {
	return EmailDomain(p.Email)
}

// EmailDomain returns the part of email after the first "@", or "" when absent.
func EmailDomain(email string) string {
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(domain))
}

// NormalizeEmail trims and lower-cases an email address so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Preferences holds per-user UI settings.
type Preferences struct {
	// EmailNotifications enables notification mails for the user.
	EmailNotifications bool `json:"email_notifications"`

	// Theme is the UI colour theme (e.g., "light").
	Theme string `json:"theme"`

	// Language is the UI language code (e.g., "ja").
	Language string `json:"language"`
}

// DefaultPreferences returns the preferences every new account starts with.
func DefaultPreferences() Preferences {
	return Preferences{
		EmailNotifications: false,
		Theme:              "light",
		Language:           "ja",
	}
}

// UserStats holds consultation counters for a user.
type UserStats struct {
	// TotalConsultations is the number of consultations the user has saved.
	TotalConsultations int `json:"total_consultations" db:"total_consultations"`

	// ResolvedCount is the number of the user's consultations marked resolved.
	ResolvedCount int `json:"resolved_count" db:"resolved_count"`

	// LastConsultationAt is when the user last saved a consultation.
	LastConsultationAt *time.Time `json:"last_consultation_at,omitempty" db:"last_consultation_at"`
}

// UserRecord is a persisted account, keyed by email.
type UserRecord struct {
	// Email is the primary key of the account.
	Email string `json:"email" db:"email"`

	// Role is the authorization level of the account. Federated accounts have
	// it re-derived on every login; password accounts are fixed at student.
	Role Role `json:"role" db:"role"`

	// AuthType records how the account authenticates.
	AuthType AuthType `json:"auth_type" db:"auth_type"`

	// PasswordHash is the bcrypt hash, present only for password accounts.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// DisplayName is the name shown in the UI.
	DisplayName string `json:"display_name" db:"display_name"`

	// AvatarURL is the profile image supplied by the identity provider.
	AvatarURL string `json:"avatar_url,omitempty" db:"avatar_url"`

	// CreatedAt is when the account was first created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// LastLoginAt is when the account last signed in successfully.
	LastLoginAt time.Time `json:"last_login_at" db:"last_login_at"`

	// Active marks the account as usable.
	Active bool `json:"active" db:"active"`

	// Preferences holds UI settings.
	Preferences Preferences `json:"preferences" db:"preferences"`

	// Stats holds consultation counters.
	Stats UserStats `json:"stats"`
}

// UserUpdate is a partial update merged into an existing UserRecord.
// Nil fields are left untouched.
type UserUpdate struct {
	LastLoginAt *time.Time
	Role        *Role
}
