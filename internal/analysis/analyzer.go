package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hearing-system/apiserver/types"
)

const (
	defaultMaxRetries  = 3
	defaultTemperature = 0.7
	defaultMaxTokens   = 500
	defaultBackoffUnit = time.Second
)

// ErrExhaustedRetries is matched by the error returned when every attempt failed.
var ErrExhaustedRetries = errors.New("analysis: exhausted retries")

// ClassifyRequest is one call to the external classification service.
type ClassifyRequest struct {
	Instructions string
	Content      string
	Temperature  float32
	MaxTokens    int
}

// Classifier is the external classification service. Implementations must
// request a JSON object response and return its text.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (string, error)
}

// RateLimitError marks a rate-limit signal (HTTP 429) from the service.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return "rate limited"
	}
	return "rate limited: " + e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err carries a rate-limit signal.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// ExhaustedError is returned after the last attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhaustedRetries
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// ResourceRenderer renders the recommendable resources into instruction text.
type ResourceRenderer interface {
	Render() string
}

// Observer receives per-attempt outcomes. A nil Observer is allowed.
type Observer interface {
	ObserveAttempt(outcome string)
	ObserveBackoff(d time.Duration)
}

// Options tunes an Analyzer. Zero values select the defaults.
type Options struct {
	MaxRetries  int
	Temperature float32
	MaxTokens   int
	BackoffUnit time.Duration
	Observer    Observer

	// Sleep waits between attempts; it defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Analyzer turns a consultation into a structured analysis. It holds no
// per-call state and is safe for concurrent use.
type Analyzer struct {
	classifier  Classifier
	redactor    *Redactor
	resources   ResourceRenderer
	maxRetries  int
	temperature float32
	maxTokens   int
	backoffUnit time.Duration
	observer    Observer
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewAnalyzer constructs an Analyzer.
func NewAnalyzer(classifier Classifier, redactor *Redactor, resources ResourceRenderer, opts Options) *Analyzer {
	a := &Analyzer{
		classifier:  classifier,
		redactor:    redactor,
		resources:   resources,
		maxRetries:  opts.MaxRetries,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		backoffUnit: opts.BackoffUnit,
		observer:    opts.Observer,
		sleep:       opts.Sleep,
	}
	if a.maxRetries <= 0 {
		a.maxRetries = defaultMaxRetries
	}
	if a.temperature <= 0 {
		a.temperature = defaultTemperature
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultMaxTokens
	}
	if a.backoffUnit <= 0 {
		a.backoffUnit = defaultBackoffUnit
	}
	if a.sleep == nil {
		a.sleep = sleepContext
	}
	return a
}

// Redact exposes the analyzer's redactor.
func (a *Analyzer) Redact(text string) string {
	return a.redactor.Redact(text)
}

// Analyze runs the analysis with the configured retry budget.
func (a *Analyzer) Analyze(ctx context.Context, theme, details string) (types.AnalysisResult, error) {
	return a.AnalyzeWithRetries(ctx, theme, details, a.maxRetries)
}

// attemptOutcome is the state reached after one attempt.
type attemptOutcome string

const (
	outcomeSuccess     attemptOutcome = "success"
	outcomeRateLimited attemptOutcome = "rate_limited"
	outcomeFailed      attemptOutcome = "failed"
)

// AnalyzeWithRetries redacts details, then calls the classifier up to
// maxRetries times. A rate-limited attempt n waits 2^n backoff units before
// attempt n+1; any other failure retries at once.
func (a *Analyzer) AnalyzeWithRetries(ctx context.Context, theme, details string, maxRetries int) (types.AnalysisResult, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	req := ClassifyRequest{
		Instructions: a.instructions(),
		Content:      userContent(theme, a.redactor.Redact(details)),
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, err := a.attempt(ctx, req)
		outcome := classifyOutcome(err)
		a.observeAttempt(outcome)

		switch outcome {
		case outcomeSuccess:
			return result, nil

		case outcomeRateLimited:
			lastErr = err
			if attempt == maxRetries {
				break
			}
			wait := a.backoff(attempt)
			log.Printf("analysis: attempt %d rate limited, waiting %s", attempt, wait)
			a.observeBackoff(wait)
			if err := a.sleep(ctx, wait); err != nil {
				return types.AnalysisResult{}, fmt.Errorf("analysis: backoff interrupted: %w", err)
			}

		case outcomeFailed:
			lastErr = err
			if attempt < maxRetries {
				log.Printf("analysis: attempt %d failed, retrying: %v", attempt, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return types.AnalysisResult{}, fmt.Errorf("analysis: %w", ctxErr)
			}
		}
	}

	return types.AnalysisResult{}, &ExhaustedError{Attempts: maxRetries, Last: lastErr}
}

func (a *Analyzer) attempt(ctx context.Context, req ClassifyRequest) (types.AnalysisResult, error) {
	content, err := a.classifier.Classify(ctx, req)
	if err != nil {
		return types.AnalysisResult{}, err
	}
	return parseResult(content)
}

// RetryBudget is the longest a full retry sequence can take with the default
// backoff unit: every attempt running to attemptTimeout, with a rate-limit
// wait between each pair.
func RetryBudget(maxRetries int, attemptTimeout time.Duration) time.Duration {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	budget := time.Duration(maxRetries) * attemptTimeout
	for attempt := 1; attempt < maxRetries; attempt++ {
		budget += defaultBackoffUnit * time.Duration(1<<uint(attempt))
	}
	return budget
}

// backoff returns 2^attempt units.
func (a *Analyzer) backoff(attempt int) time.Duration {
	return a.backoffUnit * time.Duration(1<<uint(attempt))
}

func (a *Analyzer) instructions() string {
	catalogue := ""
	if a.resources != nil {
		catalogue = a.resources.Render()
	}
	return strings.Replace(analysisInstructions, "{{resources}}", catalogue, 1)
}

func (a *Analyzer) observeAttempt(outcome attemptOutcome) {
	if a.observer != nil {
		a.observer.ObserveAttempt(string(outcome))
	}
}

func (a *Analyzer) observeBackoff(d time.Duration) {
	if a.observer != nil {
		a.observer.ObserveBackoff(d)
	}
}

func classifyOutcome(err error) attemptOutcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case IsRateLimited(err):
		return outcomeRateLimited
	default:
		return outcomeFailed
	}
}

// parseResult decodes the service's JSON leniently: fields of an unexpected
// type are left empty, only malformed JSON is an error.
func parseResult(content string) (types.AnalysisResult, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		content = "{}"
	}

	var result types.AnalysisResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return types.AnalysisResult{}, fmt.Errorf("analysis: invalid response json: %w", err)
		}
	}
	result.Raw = json.RawMessage(content)
	return result, nil
}

func userContent(theme, redactedDetails string) string {
	return "テーマ: " + theme + "\n詳細: " + redactedDetails
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
