package httpapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/talevoice/talevoice/internal/usage"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeySessionID
	ctxKeyTurnUsage
)

// AnonymousUser identifies requests without a bearer token. Anonymous traffic
// shares one rate-limit bucket and is logged like any other caller.
const AnonymousUser = "anonymous"

func userIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUserID).(string); ok {
		return v
	}
	return AnonymousUser
}

func sessionIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeySessionID).(string)
	return v
}

// turnUsage accumulates token and audio counts the turn handlers report so
// the request's usage entry carries them. WebSocket connections run several
// turns per request; counts add up.
type turnUsage struct {
	mu        sync.Mutex
	tokensIn  int
	tokensOut int
	audioMS   int64
}

func (u *turnUsage) add(tokensIn, tokensOut int, audioMS int64) {
	u.mu.Lock()
	u.tokensIn += tokensIn
	u.tokensOut += tokensOut
	u.audioMS += audioMS
	u.mu.Unlock()
}

func (u *turnUsage) snapshot() (tokensIn, tokensOut int, audioMS int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tokensIn, u.tokensOut, u.audioMS
}

func turnUsageFrom(ctx context.Context) *turnUsage {
	u, _ := ctx.Value(ctxKeyTurnUsage).(*turnUsage)
	return u
}

// approxTokens estimates billing tokens at four characters each; the
// streaming upstream paths do not report exact counts.
func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// statusWriter captures the response status and size for the usage log.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// Hijack keeps websocket upgrades working through the guard.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

// guard resolves the caller identity, applies the rate limit and writes one
// usage entry per request. Every request is logged, including rejected and
// failed ones.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		userID := bearerUser(r)
		sess := s.sessions.GetOrCreate(strings.TrimSpace(r.Header.Get("X-Session-ID")), userID)
		_ = s.sessions.Touch(sess.ID)

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeySessionID, sess.ID)
		ctx = context.WithValue(ctx, ctxKeyTurnUsage, &turnUsage{})
		r = r.WithContext(ctx)
		w.Header().Set("X-Session-ID", sess.ID)

		decision := s.limiter.Check(ctx, userID, r.URL.Path)
		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			respondError(w, http.StatusTooManyRequests, "rate_limited",
				fmt.Sprintf("request limit of %d per window reached", decision.Limit))
			s.recordUsage(r, userID, sess.ID, http.StatusTooManyRequests, 0, start, "rate_limited")
			return
		}

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		errorCode := ""
		if sw.status >= 400 {
			errorCode = http.StatusText(sw.status)
		}
		s.recordUsage(r, userID, sess.ID, sw.status, sw.bytes, start, errorCode)
	})
}

func (s *Server) recordUsage(r *http.Request, userID, sessionID string, status int, respBytes int64, start time.Time, errorCode string) {
	reqBytes := r.ContentLength
	if reqBytes < 0 {
		reqBytes = 0
	}
	entry := usage.Entry{
		UserID:        userID,
		SessionID:     sessionID,
		Endpoint:      r.URL.Path,
		Method:        r.Method,
		StatusCode:    status,
		Latency:       time.Since(start),
		RequestBytes:  reqBytes,
		ResponseBytes: respBytes,
		ClientIP:      clientIP(r),
		UserAgent:     r.UserAgent(),
		ErrorCode:     errorCode,
	}
	if u := turnUsageFrom(r.Context()); u != nil {
		entry.TokensIn, entry.TokensOut, entry.AudioMS = u.snapshot()
	}
	// The request context may already be canceled when the client is gone;
	// the entry is written regardless.
	ctx := context.WithoutCancel(r.Context())
	if err := s.usageSink.Record(ctx, entry); err != nil && s.dedup != nil {
		s.dedup.Error(ctx, "usage", "usage entry write failed")
	}
}

func bearerUser(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		if token := strings.TrimSpace(auth[len(prefix):]); token != "" {
			return token
		}
	}
	return AnonymousUser
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
