// Package identity gives every browser an anonymous, cookie-backed user and
// every tab a session ID, and carries both on the request context.
package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/oklog/ulid/v2"
)

const (
	AnonCookieName        = "dataloop_anon_id"
	SessionHeaderName     = "X-Dataloop-Session-ID"
	DefaultSessionIDValue = "default"

	anonPrefix       = "anon_"
	anonCookieMaxAge = 30 * 24 * time.Hour
	// lastSeenResolution bounds how often an active user's last_seen_at is rewritten.
	lastSeenResolution = time.Minute
)

var (
	// Lower-cased Crockford base32 ULID.
	anonIDPattern    = regexp.MustCompile(`^anon_[0-9a-hjkmnp-tv-z]{26}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Identity is who is calling and from which tab.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
}

type contextKey struct{}

// WithUser returns a copy of ctx carrying the given identity. The middleware
// uses it; tests use it to act as a user without a cookie.
func WithUser(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, contextKey{}, Identity{
		UserID:    userID,
		Username:  usernameFor(userID),
		SessionID: sanitizeSessionID(sessionID),
	})
}

// FromContext returns the caller identity, if the request carried one.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// UserIDFromContext returns the caller's user ID or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}

func UsernameFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.Username
}

// SessionIDFromContext returns the tab session ID, DefaultSessionIDValue when absent.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id.SessionID
	}
	return DefaultSessionIDValue
}

// UserStore is the subset of the repository identity needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Middleware resolves the anonymous user from its cookie (issuing one on
// first contact), records the user in repo and stores the Identity on the
// request context.
func Middleware(repo UserStore, isDev bool) func(http.Handler) http.Handler {
	r := &resolver{repo: repo, secure: !isDev, now: time.Now}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			userID, err := r.userID(w, req)
			if err != nil {
				writeError(w, "failed to establish anonymous identity")
				return
			}
			if err := r.touch(req.Context(), userID); err != nil {
				writeError(w, "failed to initialize anonymous user")
				return
			}
			ctx := WithUser(req.Context(), userID, sessionIDFromRequest(req))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

type resolver struct {
	repo   UserStore
	secure bool
	now    func() time.Time
}

// userID returns the cookie's ID, or a fresh one. The cookie is rewritten
// either way so its expiry slides with activity.
func (r *resolver) userID(w http.ResponseWriter, req *http.Request) (string, error) {
	id := ""
	if c, err := req.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		id = c.Value
	} else {
		fresh, err := newAnonID(r.now())
		if err != nil {
			return "", err
		}
		id = fresh
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  r.now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.secure,
	})
	return id, nil
}

func (r *resolver) touch(ctx context.Context, userID string) error {
	user, err := r.repo.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	now := r.now()
	if user != nil {
		if now.Sub(user.LastSeenAt) < lastSeenResolution {
			return nil
		}
		return r.repo.UpdateLastSeen(ctx, userID, now)
	}
	return r.repo.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Username:   usernameFor(userID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func newAnonID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return anonPrefix + strings.ToLower(id.String()), nil
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

// usernameFor uses the random tail of the ID; the ULID head is a timestamp
// shared by everyone who arrived in the same millisecond.
func usernameFor(userID string) string {
	if len(userID) > len(anonPrefix)+8 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
