package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
)

type fakeUsers struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	lastSeen int
	err      error
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id], f.err
}

func (f *fakeUsers) UpsertUser(_ context.Context, u *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UserID] = u
	return nil
}

func (f *fakeUsers) UpdateLastSeen(context.Context, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen++
	return nil
}

func TestMiddlewareIssuesCookieAndCreatesUser(t *testing.T) {
	t.Parallel()
	repo := &fakeUsers{users: map[string]*domain.User{}}

	var gotUser, gotSession string
	h := Middleware(repo, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set(SessionHeaderName, "tab-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !strings.HasPrefix(gotUser, "anon_") {
		t.Fatalf("user id = %q, want anon_ prefix", gotUser)
	}
	if gotSession != "tab-1" {
		t.Fatalf("session id = %q, want tab-1", gotSession)
	}
	if repo.users[gotUser] == nil {
		t.Fatal("user was not created")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName {
		t.Fatalf("cookies = %v", cookies)
	}
}

func TestMiddlewareReusesCookieAndThrottlesLastSeen(t *testing.T) {
	t.Parallel()
	id := "anon_" + strings.Repeat("ab", 13)
	repo := &fakeUsers{users: map[string]*domain.User{
		id: {UserID: id, LastSeenAt: time.Now().Add(-time.Hour)},
	}}

	var gotUser string
	h := Middleware(repo, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotUser != id {
		t.Fatalf("user id = %q, want %q", gotUser, id)
	}
	if repo.lastSeen != 1 {
		t.Fatalf("UpdateLastSeen calls = %d, want 1", repo.lastSeen)
	}
}

func TestWithUserSanitizesSession(t *testing.T) {
	t.Parallel()
	ctx := WithUser(context.Background(), "anon_x", "bad session id!")
	if got := SessionIDFromContext(ctx); got != DefaultSessionIDValue {
		t.Fatalf("session = %q, want default", got)
	}
	if UsernameFromContext(ctx) == "" {
		t.Fatal("username missing")
	}
}

func TestMiddlewareReplacesMalformedCookie(t *testing.T) {
	t.Parallel()
	repo := &fakeUsers{users: map[string]*domain.User{}}

	var gotUser string
	h := Middleware(repo, false)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_not-a-ulid"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotUser == "anon_not-a-ulid" || !anonIDPattern.MatchString(gotUser) {
		t.Fatalf("user id = %q, want a fresh id", gotUser)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || !cookies[0].Secure {
		t.Fatalf("expected one secure cookie outside development, got %v", cookies)
	}
}

func TestMiddlewareStoreFailure(t *testing.T) {
	t.Parallel()
	repo := &fakeUsers{users: map[string]*domain.User{}, err: errors.New("disk gone")}

	called := false
	h := Middleware(repo, true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if called {
		t.Fatal("next handler ran despite store failure")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "failed to initialize anonymous user") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestFromContextWithoutIdentity(t *testing.T) {
	t.Parallel()
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no identity on a bare context")
	}
	if got := SessionIDFromContext(context.Background()); got != DefaultSessionIDValue {
		t.Fatalf("session = %q, want default", got)
	}
}
