package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hearing-system/apiserver/internal/authz"
	"github.com/hearing-system/apiserver/internal/oauth"
	"github.com/hearing-system/apiserver/internal/services"
	"github.com/hearing-system/apiserver/types"
)

const defaultTokenTTL = 30 * 24 * time.Hour

// FederatedProvider is the external identity provider behind staff login.
type FederatedProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (types.Principal, error)
}

// Authorizer decides route access by role.
type Authorizer interface {
	Allowed(role types.Role, obj, act string) bool
}

// AuthHandler provides login, registration and session endpoints.
type AuthHandler struct {
	access   *services.AccessService
	provider FederatedProvider
	states   oauth.StateStore
	secret   []byte
	tokenTTL time.Duration
}

// NewAuthHandler constructs an AuthHandler. provider may be nil, which
// disables federated login.
func NewAuthHandler(access *services.AccessService, provider FederatedProvider, states oauth.StateStore, jwtSecret string, tokenTTL time.Duration) *AuthHandler {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	return &AuthHandler{
		access:   access,
		provider: provider,
		states:   states,
		secret:   []byte(jwtSecret),
		tokenTTL: tokenTTL,
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, handler *AuthHandler, authorizer Authorizer) {
	r.Post("/register", handler.Register)
	r.Post("/login", handler.Login)
	r.Get("/google/login", handler.GoogleLogin)
	r.Get("/google/callback", handler.GoogleCallback)
	r.With(handler.RequireAuth, Authorize(authorizer, authz.ObjectSession, authz.ActionRead)).Get("/session", handler.Session)
}

// RequireAuth validates the bearer token, rebuilds the session from the
// current user record and injects it into the request context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := parseToken(tokenString, h.secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		session := h.access.EnrichSession(r.Context(), claims.Subject, claims.Name)
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
	})
}

// Authorize rejects sessions whose role may perform none of acts on obj.
func Authorize(authorizer Authorizer, obj string, acts ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := sessionFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, act := range acts {
				if authorizer.Allowed(session.Role(), obj, act) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden")
		})
	}
}

// Register creates a student password account.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	_, err := h.access.Register(r.Context(), services.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.Name,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, MessageResponse{Message: "registered"})
	case errors.Is(err, services.ErrMissingField):
		writeError(w, http.StatusBadRequest, "email and password are required")
	case errors.Is(err, services.ErrDomainNotAllowed):
		writeError(w, http.StatusBadRequest, "registration is limited to student email addresses")
	case errors.Is(err, services.ErrAlreadyRegistered):
		writeError(w, http.StatusBadRequest, "email is already registered")
	default:
		log.Printf("auth: register failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to register")
	}
}

// Login verifies password credentials and returns a JWT.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.access.AuthorizeCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	decision, err := h.access.ResolveLogin(r.Context(), types.Principal{
		Email:       user.Email,
		LoginMethod: types.LoginMethodPassword,
		DisplayName: user.DisplayName,
	})
	if err != nil || !decision.Allowed {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.respondWithToken(w, types.NewSession(decision.Role, user.Email, user.DisplayName))
}

// GoogleLogin redirects to the identity provider with a fresh state nonce.
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		writeError(w, http.StatusNotFound, "google login is not configured")
		return
	}

	state, err := oauth.NewState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}
	if err := h.states.Save(r.Context(), state); err != nil {
		log.Printf("auth: saving oauth state failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}

	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}

// GoogleCallback completes federated login and returns a JWT.
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		writeError(w, http.StatusNotFound, "google login is not configured")
		return
	}

	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		log.Printf("auth: provider returned error %q", providerErr)
		writeError(w, http.StatusUnauthorized, "login cancelled")
		return
	}

	state := strings.TrimSpace(query.Get("state"))
	if state == "" {
		writeError(w, http.StatusBadRequest, "invalid oauth state")
		return
	}
	ok, err := h.states.Consume(r.Context(), state)
	if err != nil {
		log.Printf("auth: consuming oauth state failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to verify login")
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid oauth state")
		return
	}

	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	principal, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		if errors.Is(err, oauth.ErrUnverifiedEmail) {
			writeError(w, http.StatusForbidden, "email address is not verified")
			return
		}
		log.Printf("auth: oauth exchange failed: %v", err)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	decision, err := h.access.ResolveLogin(r.Context(), principal)
	if err != nil || !decision.Allowed {
		switch {
		case errors.Is(err, services.ErrDomainNotAllowed):
			writeError(w, http.StatusForbidden, "email domain is not allowed")
		case errors.Is(err, services.ErrAuthTypeConflict):
			writeError(w, http.StatusForbidden, "account uses password sign-in")
		default:
			writeError(w, http.StatusForbidden, "login denied")
		}
		return
	}

	h.respondWithToken(w, types.NewSession(decision.Role, principal.Email, principal.DisplayName))
}

// Session returns the current session.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, types.Info(session))
}

func (h *AuthHandler) respondWithToken(w http.ResponseWriter, session types.Session) {
	token, err := issueToken(session.Email(), session.DisplayName(), h.secret, h.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{Token: token, User: types.Info(session)})
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string            `json:"token"`
	User  types.SessionInfo `json:"user"`
}

// sessionClaims carries the display name alongside the subject email so a
// session can be rebuilt when the user record is unavailable.
type sessionClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func issueToken(email, name string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func parseToken(tokenString string, secret []byte) (sessionClaims, error) {
	claims := sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return sessionClaims{}, err
	}
	if !token.Valid {
		return sessionClaims{}, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return sessionClaims{}, errors.New("missing subject")
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
