package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hearing-system/apiserver/config"
	"github.com/hearing-system/apiserver/internal/analysis"
	"github.com/hearing-system/apiserver/internal/authz"
	"github.com/hearing-system/apiserver/internal/catalogue"
	"github.com/hearing-system/apiserver/internal/db"
	"github.com/hearing-system/apiserver/internal/handlers"
	"github.com/hearing-system/apiserver/internal/llm"
	"github.com/hearing-system/apiserver/internal/metrics"
	"github.com/hearing-system/apiserver/internal/mq"
	"github.com/hearing-system/apiserver/internal/oauth"
	"github.com/hearing-system/apiserver/internal/services"
	"github.com/hearing-system/apiserver/internal/storage"
	"github.com/hearing-system/apiserver/internal/store"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	requestTimeout  = 60 * time.Second
	readTimeout     = 15 * time.Second
	idleTimeout     = 60 * time.Second
	// writeMargin leaves room to encode and flush the response after the
	// slowest route's handler timeout fires.
	writeMargin = 5 * time.Second
)

// Server wraps the HTTP server, router and the connections it owns.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	events     *mq.MQ
	redis      *redis.Client
}

// New connects every dependency and builds the router. On error, whatever
// was opened is closed again.
func New(ctx context.Context, cfg config.Config) (srv *Server, err error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	s := &Server{}
	defer func() {
		if err != nil {
			s.closeDeps()
		}
	}()

	s.db, err = db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	s.events, err = mq.Open(ctx, cfg.MQ)
	if err != nil {
		return nil, err
	}

	resources, err := loadCatalogue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	classifier, err := llm.NewOpenAIClassifier(cfg.OpenAI)
	if err != nil {
		return nil, err
	}

	states, err := s.stateStore(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	var provider handlers.FederatedProvider
	if cfg.Google.ClientID != "" {
		google, googleErr := oauth.NewGoogleProvider(cfg.Google)
		if googleErr != nil {
			return nil, googleErr
		}
		provider = google
	} else {
		log.Printf("server: GOOGLE_CLIENT_ID not set, federated login disabled")
	}

	authorizer, err := authz.New()
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	userRepo := store.NewUserRepository(s.db)
	consultationRepo := store.NewConsultationRepository(s.db)

	analyzer := analysis.NewAnalyzer(classifier, analysis.NewRedactor(cfg.Redaction.InstitutionalDomains), resources, analysis.Options{
		MaxRetries:  cfg.OpenAI.MaxRetries,
		Temperature: cfg.OpenAI.Temperature,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Observer:    m,
	})
	accessService := services.NewAccessService(userRepo, services.NewAccessPolicy(cfg.Auth), services.WithLoginObserver(m))
	consultationService := services.NewConsultationService(analyzer, consultationRepo, userRepo, s.events)

	authHandler := handlers.NewAuthHandler(accessService, provider, states, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	timeouts := routeTimeouts(cfg.OpenAI)
	log.Printf("server: analyze timeout %s, request timeout %s", timeouts.Analyze, timeouts.Request)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
	)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeouts.Request))
		r.Get("/healthz", handlers.Healthz)
		r.Handle("/metrics", m.Handler())
		r.Route("/auth", func(r chi.Router) {
			handlers.AuthRouter(r, authHandler, authorizer)
		})
	})
	router.Route("/consultations", func(r chi.Router) {
		handlers.ConsultationRouter(r, consultationService, authHandler.RequireAuth, authorizer, timeouts)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout(timeouts),
		IdleTimeout:  idleTimeout,
	}
	return s, nil
}

// routeTimeouts gives the analyze route room for every classifier attempt
// and the backoff between them, plus a second for validation and encoding.
func routeTimeouts(cfg config.OpenAIConfig) handlers.RouteTimeouts {
	attempt := cfg.Timeout
	if attempt <= 0 {
		attempt = llm.DefaultTimeout
	}
	return handlers.RouteTimeouts{
		Request: requestTimeout,
		Analyze: analysis.RetryBudget(cfg.MaxRetries, attempt) + time.Second,
	}
}

func writeTimeout(timeouts handlers.RouteTimeouts) time.Duration {
	return max(timeouts.Request, timeouts.Analyze) + writeMargin
}

func loadCatalogue(ctx context.Context, cfg config.Config) (*catalogue.Catalogue, error) {
	var objects catalogue.ObjectGetter
	if cfg.Catalogue.Source == catalogue.SourceStorage {
		bucket, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		objects = bucket
	}

	resources, err := catalogue.Load(ctx, cfg.Catalogue, objects)
	if err != nil {
		return nil, err
	}
	log.Printf("server: loaded %d catalogue resources from %s", len(resources.Resources()), cfg.Catalogue.Source)
	return resources, nil
}

func (s *Server) stateStore(ctx context.Context, cfg config.RedisConfig) (oauth.StateStore, error) {
	if cfg.Addr == "" {
		return oauth.NewMemoryStateStore(cfg.StateTTL), nil
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return oauth.NewRedisStateStore(s.redis, cfg.StateTTL), nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start serves until ctx is cancelled, then drains in-flight requests and
// closes the server's connections.
func (s *Server) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("server: listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown attempts a graceful shutdown.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.closeDeps()
	return err
}

func (s *Server) closeDeps() {
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			log.Printf("server: closing mq: %v", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
