package types

// Session is the enriched identity attached to an authenticated request.
// It is a closed set of variants, one per role; use a type switch to
// branch on the role context.
type Session interface {
	Email() string
	DisplayName() string
	Role() Role

	sealed()
}

type identity struct {
	email       string
	displayName string
}

func (i identity) Email() string       { return i.email }
func (i identity) DisplayName() string { return i.displayName }
func (identity) sealed()               {}

// StudentSession is the session of a student.
type StudentSession struct{ identity }

// Role implements Session.
func (StudentSession) Role() Role { return RoleStudent }

// TeacherSession is the session of a teacher.
type TeacherSession struct{ identity }

// Role implements Session.
func (TeacherSession) Role() Role { return RoleTeacher }

// TASession is the session of a teaching assistant.
type TASession struct{ identity }

// Role implements Session.
func (TASession) Role() Role { return RoleTA }

// ExternalInstructorSession is the session of an external instructor.
type ExternalInstructorSession struct{ identity }

// Role implements Session.
func (ExternalInstructorSession) Role() Role { return RoleExternalInstructor }

// NewSession builds the session variant for role. Unknown roles fall back to
// a student session.
func NewSession(role Role, email, displayName string) Session {
	id := identity{email: email, displayName: displayName}
	switch role {
	case RoleTeacher:
		return TeacherSession{id}
	case RoleTA:
		return TASession{id}
	case RoleExternalInstructor:
		return ExternalInstructorSession{id}
	default:
		return StudentSession{id}
	}
}

// SessionInfo is the JSON view of a Session.
type SessionInfo struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// Info returns the JSON view of s.
func Info(s Session) SessionInfo {
	return SessionInfo{
		Email:       s.Email(),
		DisplayName: s.DisplayName(),
		Role:        s.Role(),
	}
}
