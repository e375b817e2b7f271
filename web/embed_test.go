package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
)

func TestSPAHandler(t *testing.T) {
	t.Parallel()

	root := fstest.MapFS{
		"index.html": {Data: []byte("<html>dataloop</html>")},
		"app.css":    {Data: []byte("body{}")},
	}
	h := newSPAHandler(root)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{"root", "/", http.StatusOK, "<html>dataloop</html>"},
		{"asset", "/app.css", http.StatusOK, "body{}"},
		{"client route falls back", "/chats/abc", http.StatusOK, "<html>dataloop</html>"},
		{"unknown api path", "/api/nope", http.StatusNotFound, ""},
		{"unknown ws path", "/ws/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestSPAHandlerEmbedsIndex(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	SPAHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
