package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hearing-system/apiserver/config"
	"github.com/hearing-system/apiserver/types"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// ErrUnverifiedEmail is returned when the provider has not verified the email.
var ErrUnverifiedEmail = errors.New("oauth: email not verified")

// GoogleProvider runs the authorization code flow against Google.
type GoogleProvider struct {
	config      *oauth2.Config
	userInfoURL string
}

// NewGoogleProvider constructs the provider from config.
func NewGoogleProvider(cfg config.GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("google client id and secret are required")
	}
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: googleUserInfoURL,
	}, nil
}

// NewState returns a random state nonce.
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// AuthCodeURL returns the consent page URL carrying state.
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

type userInfo struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Exchange trades the code for a token and reads the user's profile.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (types.Principal, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return types.Principal{}, fmt.Errorf("oauth: exchange code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return types.Principal{}, err
	}
	resp, err := p.config.Client(ctx, token).Do(req)
	if err != nil {
		return types.Principal{}, fmt.Errorf("oauth: fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.Principal{}, fmt.Errorf("oauth: userinfo status %d", resp.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return types.Principal{}, fmt.Errorf("oauth: decode userinfo: %w", err)
	}
	if info.Email == "" || !info.EmailVerified {
		return types.Principal{}, ErrUnverifiedEmail
	}

	return types.Principal{
		Email:       types.NormalizeEmail(info.Email),
		LoginMethod: types.LoginMethodFederated,
		DisplayName: info.Name,
		AvatarURL:   info.Picture,
	}, nil
}
