package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SourceUnavailableError meldet, dass eine Quelle nach allen Retries nicht
// erreichbar war. Für den Orchestrator nicht fatal: der Run läuft weiter.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// RateLimitedError meldet eine Drosselung durch die Quelle. Der Orchestrator
// soll mit quell-spezifischem Backoff reagieren statt hart zu retryen.
type RateLimitedError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("source %s rate limited (retry after %s)", e.Source, e.RetryAfter)
}

// IsRateLimited prüft, ob err eine Drosselung signalisiert.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// ErrNotFound markiert eine 404-Antwort der Quelle. Extraktoren, deren API
// leere Treffermengen als 404 meldet (openFDA), prüfen mit errors.Is darauf
// und behandeln den Fall als "keine Ergebnisse" statt als Quell-Ausfall.
var ErrNotFound = errors.New("resource not found")

// RetryPolicy beschreibt das Retry-Verhalten eines Extraktors gegen seine API.
type RetryPolicy struct {
	Attempts    int           // maximale Versuche inkl. des ersten
	BaseBackoff time.Duration // Backoff vor dem zweiten Versuch; verdoppelt sich danach
}

// DefaultRetryPolicy ist das Verhalten, wenn keine Konfiguration gesetzt ist.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseBackoff: 2 * time.Second}

// GetWithRetry führt einen GET mit exponentiellem Backoff aus. Transiente
// Fehler (Netzwerk, 5xx) werden bis zum Versuchslimit wiederholt; HTTP 429
// bricht sofort mit RateLimitedError ab, 404 mit einem um ErrNotFound
// gewickelten SourceUnavailableError, alles andere nicht-transiente ebenfalls
// mit SourceUnavailableError.
func GetWithRetry(ctx context.Context, client *http.Client, source, url string, policy RetryPolicy) (*http.Response, error) {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy
	}

	var lastErr error
	backoff := policy.BaseBackoff

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &SourceUnavailableError{Source: source, Err: ctx.Err()}
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, &SourceUnavailableError{Source: source, Err: err}
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &SourceUnavailableError{Source: source, Err: ctx.Err()}
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			return nil, &RateLimitedError{Source: source, RetryAfter: retryAfter}
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, &SourceUnavailableError{Source: source, Err: ErrNotFound}
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		default:
			resp.Body.Close()
			return nil, &SourceUnavailableError{Source: source, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		}
	}

	return nil, &SourceUnavailableError{Source: source, Err: fmt.Errorf("all %d attempts failed: %w", policy.Attempts, lastErr)}
}

// parseRetryAfter interpretiert den Retry-After-Header in Sekunden.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
