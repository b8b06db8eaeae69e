package middleware

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"raven/internal/domain"
	"raven/internal/domain/models"
	"raven/internal/httputil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVerifier struct {
	valid map[string]string // token -> subject
}

func (f *fakeVerifier) VerifyToken(token string) (*models.Claims, error) {
	subject, ok := f.valid[token]
	if !ok {
		return nil, domain.ErrUnauthorized
	}
	claims := &models.Claims{}
	claims.Subject = subject
	return claims, nil
}

func (f *fakeVerifier) Close() error { return nil }

func authorEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.RespondJSON(w, http.StatusOK, map[string]string{"author": httputil.AuthorID(r)})
	})
}

func TestAuth(t *testing.T) {
	verifier := &fakeVerifier{valid: map[string]string{"good": "user-1"}}
	handler := Auth(verifier, testLogger())(authorEcho())

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "bearer header", path: "/api/runs/1", header: "Bearer good", wantStatus: http.StatusOK, wantBody: `{"author":"user-1"}`},
		{name: "query token", path: "/api/runs/1/events?access_token=good", wantStatus: http.StatusOK, wantBody: `{"author":"user-1"}`},
		{name: "missing token", path: "/api/runs/1", wantStatus: http.StatusUnauthorized},
		{name: "bad token", path: "/api/runs/1", header: "Bearer bad", wantStatus: http.StatusUnauthorized},
		{name: "public path", path: "/health", wantStatus: http.StatusOK, wantBody: `{"author":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %s, want %s", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestAuth_DevHeader(t *testing.T) {
	handler := Auth(nil, testLogger())(authorEcho())

	req := httptest.NewRequest(http.MethodGet, "/api/runs/1", nil)
	req.Header.Set(DevAuthorHeader, "alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Body.String() != `{"author":"alice"}` {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/1", nil))
	if rec.Body.String() != `{"author":"dev"}` {
		t.Errorf("body without header = %s", rec.Body.String())
	}
}

func TestRecovery(t *testing.T) {
	handler := Recovery(testLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(errors.New("boom"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveHTTPRequest(method, route string, code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, method+" "+route+" "+http.StatusText(code))
}

func TestInstrument_UsesRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	observer := &recordingObserver{}
	handler := Instrument(observer, testLogger())(mux)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/runs/abc", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	want := []string{
		"GET GET /api/runs/{id} I'm a teapot",
		"GET unmatched Not Found",
	}
	if len(observer.calls) != len(want) {
		t.Fatalf("calls = %v", observer.calls)
	}
	for i := range want {
		if observer.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, observer.calls[i], want[i])
		}
	}
}
