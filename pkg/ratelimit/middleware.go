package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/StricklySoft/clinic-auth/pkg/auth"
)

// Response headers set on every limited route.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderWindow     = "X-RateLimit-Window"
	HeaderRetryAfter = "Retry-After"
)

// ErrorCode is the error code of the throttling response body.
const ErrorCode = "RATE_LIMIT_EXCEEDED"

// Middleware enforces the tenant budget. It must run after the
// authenticator: the tenant is read from the request identity, and
// requests without one are not limited.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := l.RouteClass(r.URL.Path)
		if class == "" {
			next.ServeHTTP(w, r)
			return
		}
		tenant := auth.TenantFromContext(r.Context())
		if tenant == "" {
			l.recorder.Decision(class, DecisionBypassed)
			next.ServeHTTP(w, r)
			return
		}

		d := l.Check(r.Context(), tenant, class)
		writeHeaders(w, d)
		if !d.Allowed {
			writeRejection(w, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set(HeaderWindow, strconv.Itoa(int(d.Window/time.Second)))
}

// rejectionBody is the 429 response envelope.
type rejectionBody struct {
	Error rejectionDetail `json:"error"`
}

type rejectionDetail struct {
	Code              string    `json:"code"`
	Message           string    `json:"message"`
	Limit             int       `json:"limit"`
	WindowSeconds     int       `json:"windowSeconds"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"resetAt"`
	RetryAfterSeconds int       `json:"retryAfterSeconds"`
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func writeRejection(w http.ResponseWriter, d Decision) {
	retry := retryAfterSeconds(d.RetryAfter)
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(retry))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rejectionBody{Error: rejectionDetail{
		Code:              ErrorCode,
		Message:           "rate limit exceeded, retry after the window resets",
		Limit:             d.Limit,
		WindowSeconds:     int(d.Window / time.Second),
		Remaining:         d.Remaining,
		ResetAt:           d.ResetAt.UTC(),
		RetryAfterSeconds: retry,
	}})
}
