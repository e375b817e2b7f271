package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name      string
		origins   []string
		origin    string
		preflight bool
		wantCode  int
		wantAllow string
		wantCreds bool
	}{
		{"explicit origin", []string{"https://app.example/"}, "https://app.example", false, http.StatusTeapot, "https://app.example", true},
		{"wildcard echoes without credentials", []string{"*"}, "https://other.example", false, http.StatusTeapot, "https://other.example", false},
		{"unknown origin", []string{"https://app.example"}, "https://evil.example", false, http.StatusTeapot, "", false},
		{"preflight short-circuits", []string{"*"}, "https://other.example", true, http.StatusNoContent, "https://other.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			method := http.MethodGet
			if tt.preflight {
				method = http.MethodOptions
			}
			req := httptest.NewRequest(method, "/api/chats", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			CORS(tt.origins)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Fatalf("allow origin = %q, want %q", got, tt.wantAllow)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Fatalf("credentials = %v, want %v", got, tt.wantCreds)
			}
		})
	}
}
