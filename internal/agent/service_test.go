package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dataloop/internal/dataset"
	"github.com/ashureev/dataloop/internal/domain"
	"github.com/ashureev/dataloop/internal/identity"
	"github.com/ashureev/dataloop/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChats map[string]*domain.Chat

func (f fakeChats) GetChat(_ context.Context, chatID string) (*domain.Chat, error) {
	c, ok := f[chatID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

type fakeHandle struct{ id string }

func (h fakeHandle) ID() string { return h.id }
func (h fakeHandle) Describe(context.Context) (string, error) {
	return "table sales(id INTEGER, amount REAL)", nil
}
func (h fakeHandle) Query(context.Context, string) (*domain.Table, error) {
	return &domain.Table{Columns: []string{"n"}, Rows: [][]any{{1}}}, nil
}

type fakeDatasets struct{}

func (fakeDatasets) Open(_ context.Context, id string) (dataset.Handle, error) {
	return fakeHandle{id: id}, nil
}

type recordingLog struct {
	mu     sync.Mutex
	events []ConversationLogEvent
	closed bool
}

func (l *recordingLog) Log(ev ConversationLogEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *recordingLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.EventType
	}
	return out
}

type registration struct {
	userID, sessionID string
}

type fakeChannels struct {
	mu     sync.Mutex
	active []registration
	total  int
}

func (f *fakeChannels) Register(_ context.Context, userID, sessionID string, _ ApprovalNotifier) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = append(f.active, registration{userID, sessionID})
	f.total++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.active = f.active[:len(f.active)-1]
	}
}

func newTestService(t *testing.T, rig *testRig, log ConversationLogger, onReset ChatCleanup) *Service {
	t.Helper()
	chats := fakeChats{
		"c1": {ChatID: "c1", UserID: "user-1", DatasetID: "sales"},
		"c2": {ChatID: "c2", UserID: "user-2", DatasetID: "sales"},
	}
	svc, err := NewService(ServiceDeps{
		Controller: rig.ctrl,
		Chats:      chats,
		Datasets:   fakeDatasets{},
		Log:        log,
		OnReset:    onReset,
	})
	require.NoError(t, err)
	return svc
}

func TestServiceSendLogsConversation(t *testing.T) {
	rig := newTestRig(t, ControllerConfig{MaxDepth: 3}, approveAll(), fenced("Counting.", "select count"))
	log := &recordingLog{}
	svc := newTestService(t, rig, log, nil)

	out, err := svc.Send(context.Background(), SendRequest{ChatID: "c1", UserID: "user-1", SessionID: "tab-1", Message: "count"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopNoFollowups, out.Reason)

	assert.Equal(t, []string{
		"chat_user_message",
		"chat_message",
		"chat_execution",
		"chat_run_finished",
	}, log.types())
	assert.Equal(t, "tab-1", log.events[0].Meta["session_id"])

	reqs := rig.proc.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "table sales")

	svc.Close()
	assert.True(t, log.closed)
}

func TestServiceRejectsForeignAndMissingChats(t *testing.T) {
	rig := newTestRig(t, ControllerConfig{}, approveAll(), "hi")
	svc := newTestService(t, rig, nil, nil)

	_, err := svc.Send(context.Background(), SendRequest{ChatID: "c2", UserID: "user-1", Message: "hi"}, nil)
	assert.ErrorIs(t, err, ErrChatNotFound)

	_, err = svc.Send(context.Background(), SendRequest{ChatID: "nope", UserID: "user-1", Message: "hi"}, nil)
	assert.ErrorIs(t, err, ErrChatNotFound)

	_, err = svc.Cancel(context.Background(), "user-1", "c2")
	assert.ErrorIs(t, err, ErrChatNotFound)
	assert.Empty(t, rig.proc.Requests())
}

func TestServiceResetEvictsAndCleansUp(t *testing.T) {
	rig := newTestRig(t, ControllerConfig{MaxDepth: 3}, approveAll(), "hi")
	var cleaned []string
	svc := newTestService(t, rig, nil, func(_ context.Context, chatID string) { cleaned = append(cleaned, chatID) })

	_, err := svc.Send(context.Background(), SendRequest{ChatID: "c1", UserID: "user-1", Message: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rig.ctrl.Sessions().Len())

	require.NoError(t, svc.Reset(context.Background(), "c1"))
	assert.Equal(t, 0, rig.ctrl.Sessions().Len())
	assert.Equal(t, []string{"c1"}, cleaned)
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, body []byte) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func newTestServer(t *testing.T, h *Handler, userID string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := identity.WithUser(req.Context(), userID, "tab-1")
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return srv
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHandleMessageStreamsRun(t *testing.T) {
	rig := newTestRig(t, ControllerConfig{MaxDepth: 3}, approveAll(), fenced("Counting.", "select count"))
	channels := &fakeChannels{}
	h := NewHandler(newTestService(t, rig, nil, nil), channels, HandlerConfig{})
	srv := newTestServer(t, h, "user-1")

	resp, body := postJSON(t, srv.URL+"/api/chats/c1/messages", `{"message":"count"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "retry: 5000")

	events := readSSE(t, body)
	require.NotEmpty(t, events)
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.name
	}
	assert.Contains(t, names, string(EventChunk))
	assert.Contains(t, names, string(EventApprovalRequired))
	assert.Equal(t, string(EventDone), names[len(names)-1])

	var done Event
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].data), &done))
	require.NotNil(t, done.Outcome)
	assert.Equal(t, StopNoFollowups, done.Outcome.Reason)

	channels.mu.Lock()
	defer channels.mu.Unlock()
	assert.Equal(t, 1, channels.total)
	assert.Empty(t, channels.active, "stream must unregister when it ends")
}

func TestHandleMessageErrors(t *testing.T) {
	rig := newTestRig(t, ControllerConfig{MaxDepth: 3}, approveAll(), "hi")
	h := NewHandler(newTestService(t, rig, nil, nil), nil, HandlerConfig{})
	srv := newTestServer(t, h, "user-1")

	resp, _ := postJSON(t, srv.URL+"/api/chats/c2/messages", `{"message":"hi"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = postJSON(t, srv.URL+"/api/chats/c1/messages", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, srv.URL+"/api/chats/c1/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, release, err := rig.ctrl.Sessions().TryAcquire(context.Background(), "c1")
	require.NoError(t, err)
	resp, body := postJSON(t, srv.URL+"/api/chats/c1/messages", `{"message":"hi"}`)
	release()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "in progress")
}

func TestHandleMessageRateLimited(t *testing.T) {
	rig := newTestRig(t, ControllerConfig{}, approveAll(), "hi")
	h := NewHandler(newTestService(t, rig, nil, nil), nil, HandlerConfig{RateLimitRequests: 1, RateLimitWindow: time.Hour})
	srv := newTestServer(t, h, "user-1")

	resp, _ := postJSON(t, srv.URL+"/api/chats/c1/messages", `{"message":"hi"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = postJSON(t, srv.URL+"/api/chats/c1/messages", `{"message":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandleCancel(t *testing.T) {
	started := make(chan struct{})
	rig := newTestRig(t, ControllerConfig{MaxDepth: 3}, waitForCancel(started), fenced("Counting.", "select count"))
	svc := newTestService(t, rig, nil, nil)
	h := NewHandler(svc, nil, HandlerConfig{})
	srv := newTestServer(t, h, "user-1")

	resp, body := postJSON(t, srv.URL+"/api/chats/c1/cancel", ``)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"cancelled":false}`, string(body))

	done := make(chan Outcome, 1)
	go func() {
		out, _ := svc.Send(context.Background(), SendRequest{ChatID: "c1", UserID: "user-1", Message: "count"}, nil)
		done <- out
	}()
	<-started

	resp, body = postJSON(t, srv.URL+"/api/chats/c1/cancel", ``)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"cancelled":true}`, string(body))
	assert.Equal(t, StopCancelled, (<-done).Reason)

	resp, _ = postJSON(t, srv.URL+"/api/chats/c2/cancel", ``)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
