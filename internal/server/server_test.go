package server

import (
	"context"
	"testing"
	"time"

	"github.com/hearing-system/apiserver/config"
)

func TestRouteTimeoutsCoverRetrySequence(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.OpenAIConfig
		wantAnalyze time.Duration
	}{
		{
			name:        "defaults",
			cfg:         config.OpenAIConfig{Timeout: 30 * time.Second, MaxRetries: 3},
			wantAnalyze: 97 * time.Second,
		},
		{
			name:        "unset timeout uses classifier default",
			cfg:         config.OpenAIConfig{MaxRetries: 1},
			wantAnalyze: 31 * time.Second,
		},
		{
			name:        "short attempts",
			cfg:         config.OpenAIConfig{Timeout: 5 * time.Second, MaxRetries: 2},
			wantAnalyze: 13 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeouts := routeTimeouts(tt.cfg)
			if timeouts.Analyze != tt.wantAnalyze {
				t.Fatalf("expected analyze timeout %s, got %s", tt.wantAnalyze, timeouts.Analyze)
			}
			if timeouts.Request != requestTimeout {
				t.Fatalf("expected request timeout %s, got %s", requestTimeout, timeouts.Request)
			}
			if got := writeTimeout(timeouts); got <= timeouts.Analyze || got <= timeouts.Request {
				t.Fatalf("write timeout %s does not outlast route timeouts %+v", got, timeouts)
			}
		})
	}
}

func TestNewRequiresJWTSecret(t *testing.T) {
	if _, err := New(context.Background(), config.Config{}); err == nil {
		t.Fatal("expected error without JWT secret")
	}
}
