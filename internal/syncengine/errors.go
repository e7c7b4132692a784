// Package syncengine implements the synchronization machinery of the
// preference store: structural diffing, last-write-wins conflict
// resolution, error classification and recovery, edge-case planning, and
// the remote preference client.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors shared across the store. Callers wrap these with
// fmt.Errorf("...: %w", err) and the classifier recovers the kind with
// errors.Is.
var (
	ErrInvalidFormat   = errors.New("invalid envelope format")
	ErrVersionMismatch = errors.New("schema version mismatch")
	ErrChecksumFailed  = errors.New("checksum verification failed")
	ErrParseError      = errors.New("unparseable payload")
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
	ErrNotFound        = errors.New("not found")
	ErrStorageBlocked  = errors.New("storage area unavailable")
	ErrSyncConflict    = errors.New("sync conflict")
)

// Kind classifies an error at the store boundary.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindServer5xx      Kind = "server_5xx"
	KindClient4xx      Kind = "client_4xx"
	KindDataCorruption Kind = "data_corruption"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindSyncConflict   Kind = "sync_conflict"
	KindTimeout        Kind = "timeout"
	KindUnknown        Kind = "unknown"
)

// RecoveryStrategy names what the caller should do next.
type RecoveryStrategy string

const (
	RecoveryRetry           RecoveryStrategy = "retry"
	RecoveryFallbackLocal   RecoveryStrategy = "fallback_local"
	RecoveryFallbackDefault RecoveryStrategy = "fallback_default"
	RecoveryUserAction      RecoveryStrategy = "user_action"
	RecoveryIgnore          RecoveryStrategy = "ignore"
)

// ErrorSeverity ranks how loudly an error should surface.
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// HTTPError reports a non-2xx server response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	if target == ErrNotFound {
		return e.StatusCode == 404
	}
	if target == ErrSyncConflict {
		return e.StatusCode == 409
	}
	return false
}

// Classify maps an arbitrary error to its boundary kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrChecksumFailed),
		errors.Is(err, ErrInvalidFormat),
		errors.Is(err, ErrVersionMismatch),
		errors.Is(err, ErrParseError):
		return KindDataCorruption
	case errors.Is(err, ErrSyncConflict):
		return KindSyncConflict
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 409:
			return KindSyncConflict
		case httpErr.StatusCode >= 500:
			return KindServer5xx
		case httpErr.StatusCode >= 400:
			return KindClient4xx
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether the kind may legally be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindServer5xx, KindTimeout, KindSyncConflict:
		return true
	}
	return false
}

func (k Kind) baseSeverity() ErrorSeverity {
	switch k {
	case KindNetwork, KindQuotaExceeded, KindSyncConflict, KindTimeout:
		return SeverityWarning
	case KindServer5xx, KindDataCorruption, KindUnknown:
		return SeverityError
	case KindClient4xx:
		return SeverityInfo
	}
	return SeverityError
}

// defaultStrategy implements the fixed kind-to-recovery table. A 404 on a
// client error means the preference simply does not exist yet, so the
// fallback is defaults rather than a user prompt.
func defaultStrategy(kind Kind, statusCode int) RecoveryStrategy {
	switch kind {
	case KindNetwork:
		return RecoveryFallbackLocal
	case KindServer5xx, KindTimeout:
		return RecoveryRetry
	case KindClient4xx:
		if statusCode == 404 {
			return RecoveryFallbackDefault
		}
		return RecoveryUserAction
	case KindDataCorruption:
		return RecoveryFallbackDefault
	case KindQuotaExceeded, KindSyncConflict, KindUnknown:
		return RecoveryUserAction
	}
	return RecoveryUserAction
}

// ErrorContext names where in the store lifecycle an error occurred.
// Severity shifts one level down for background syncs and one up for the
// initial load.
type ErrorContext string

const (
	ContextInitialLoad    ErrorContext = "initial_load"
	ContextBackgroundSync ErrorContext = "background_sync"
	ContextSave           ErrorContext = "save"
	ContextImport         ErrorContext = "import"
	ContextProbe          ErrorContext = "probe"
)

// Analysis is the classification half of a handled error.
type Analysis struct {
	Kind       Kind
	Severity   ErrorSeverity
	Context    ErrorContext
	Message    string
	Retryable  bool
	StatusCode int
}

// Recovery is the chosen strategy plus retry accounting.
type Recovery struct {
	Strategy    RecoveryStrategy
	MaxAttempts int
	Exhausted   bool
}

// HandleResult is the contract of the error pipeline. Notifications are
// observational side effects; callers act on the returned value.
type HandleResult struct {
	Analysis      Analysis
	Recovery      Recovery
	Handled       bool
	RetryAttempts int
}

// RetryPolicy bounds retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryPolicy is three attempts, 1 s base, 5 s cap, no jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
}

// Delay returns the backoff before the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
	}
	return delay
}

// HandleOptions tunes a single Handle call.
type HandleOptions struct {
	Retry     *RetryPolicy
	RetryFunc func(ctx context.Context, attempt int) error
	Notify    func(severity ErrorSeverity, message string)
}

// Policy is the error-handling pipeline. It classifies, chooses a recovery
// strategy, runs bounded retries when legal, and tracks the last error per
// context.
type Policy struct {
	mu       sync.Mutex
	logger   *zap.Logger
	retry    RetryPolicy
	lastByCx map[ErrorContext]Analysis
	sleep    func(ctx context.Context, d time.Duration) error
}

// PolicyOptions configures a Policy; zero values take defaults.
type PolicyOptions struct {
	Logger *zap.Logger
	Retry  RetryPolicy
}

func NewPolicy(opts PolicyOptions) *Policy {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Policy{
		logger:   logger,
		retry:    retry,
		lastByCx: map[ErrorContext]Analysis{},
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle classifies the error, picks a recovery strategy, and executes
// bounded retries through opts.RetryFunc when the kind allows it. The retry
// budget is per call. Exhausting it downgrades the strategy to UserAction;
// classification-only calls with no RetryFunc report the table strategy
// unchanged.
func (p *Policy) Handle(ctx context.Context, err error, errCtx ErrorContext, opts HandleOptions) HandleResult {
	kind := Classify(err)
	statusCode := 0
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		statusCode = httpErr.StatusCode
	}

	severity := kind.baseSeverity()
	switch errCtx {
	case ContextBackgroundSync:
		if severity > SeverityInfo {
			severity--
		}
	case ContextInitialLoad:
		if severity < SeverityCritical {
			severity++
		}
	}

	analysis := Analysis{
		Kind:       kind,
		Severity:   severity,
		Context:    errCtx,
		Message:    err.Error(),
		Retryable:  kind.Retryable(),
		StatusCode: statusCode,
	}
	strategy := defaultStrategy(kind, statusCode)

	retry := p.retry
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	attempts := 0
	recovered := false
	if strategy == RecoveryRetry || (analysis.Retryable && opts.RetryFunc != nil) {
		for attempts < retry.MaxAttempts && opts.RetryFunc != nil {
			if waitErr := p.sleep(ctx, retry.Delay(attempts+1)); waitErr != nil {
				break
			}
			attempts++
			retryErr := opts.RetryFunc(ctx, attempts)
			if retryErr == nil {
				recovered = true
				break
			}
			p.logger.Debug("retry attempt failed",
				zap.String("context", string(errCtx)),
				zap.Int("attempt", attempts),
				zap.Error(retryErr))
		}
	}

	exhausted := false
	if strategy == RecoveryRetry && !recovered && opts.RetryFunc != nil && attempts >= retry.MaxAttempts {
		strategy = RecoveryUserAction
		exhausted = true
	}

	p.mu.Lock()
	if recovered {
		delete(p.lastByCx, errCtx)
	} else {
		p.lastByCx[errCtx] = analysis
	}
	p.mu.Unlock()

	if opts.Notify != nil && !recovered {
		opts.Notify(severity, analysis.Message)
	}
	p.logger.Warn("error handled",
		zap.String("kind", string(kind)),
		zap.String("context", string(errCtx)),
		zap.String("strategy", string(strategy)),
		zap.Bool("recovered", recovered),
		zap.Int("retry_attempts", attempts))

	return HandleResult{
		Analysis: analysis,
		Recovery: Recovery{
			Strategy:    strategy,
			MaxAttempts: retry.MaxAttempts,
			Exhausted:   exhausted,
		},
		Handled:       recovered || strategy != RecoveryUserAction,
		RetryAttempts: attempts,
	}
}

// LastError returns the most recent unrecovered analysis for a context.
func (p *Policy) LastError(errCtx ErrorContext) (Analysis, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	analysis, ok := p.lastByCx[errCtx]
	return analysis, ok
}

// ClearError drops the tracked error for a context, for use after an
// out-of-band recovery.
func (p *Policy) ClearError(errCtx ErrorContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastByCx, errCtx)
}
