package httpmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/capsium/reactor/internal/log"
)

type loggedError struct {
	err error
	msg string
	kv  []any
}

// errorRecorder keeps Error calls and drops everything else.
type errorRecorder struct {
	log.Logger
	mu     sync.Mutex
	logged []loggedError
}

func (e *errorRecorder) Error(_ context.Context, err error, msg string, kv ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logged = append(e.logged, loggedError{err: err, msg: msg, kv: kv})
}

func (e *errorRecorder) entries() []loggedError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]loggedError(nil), e.logged...)
}

func kvValue(kv []any, key string) any {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == key {
			return kv[i+1]
		}
	}
	return nil
}

func TestRecover(t *testing.T) {
	cause := errors.New("snapshot missing")
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
		errText string
	}{
		{
			name:    "string panic",
			handler: func(http.ResponseWriter, *http.Request) { panic("mount table corrupt") },
			status:  http.StatusInternalServerError,
			errText: "mount table corrupt",
		},
		{
			name:    "error panic",
			handler: func(http.ResponseWriter, *http.Request) { panic(cause) },
			status:  http.StatusInternalServerError,
			errText: "snapshot missing",
		},
		{
			name: "no panic",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			},
			status: http.StatusTeapot,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &errorRecorder{Logger: log.Nop()}
			panics := 0
			h := Recover(rec, func() { panics++ })(tt.handler)

			req := httptest.NewRequest(http.MethodGet, "/capsium/site-1.0.0/index.html", http.NoBody)
			req.Host = "example.com"
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			logged := rec.entries()
			if tt.errText == "" {
				if len(logged) != 0 || panics != 0 {
					t.Fatalf("logged %d errors and %d panics without a panic", len(logged), panics)
				}
				return
			}

			if panics != 1 {
				t.Errorf("onPanic ran %d times", panics)
			}
			if len(logged) != 1 {
				t.Fatalf("logged %d errors, want 1", len(logged))
			}
			got := logged[0]
			if !strings.Contains(got.err.Error(), tt.errText) {
				t.Errorf("err = %v, want it to mention %q", got.err, tt.errText)
			}
			if kvValue(got.kv, "host") != "example.com" || kvValue(got.kv, "path") != "/capsium/site-1.0.0/index.html" {
				t.Errorf("kv = %v", got.kv)
			}
			if body := w.Body.String(); strings.Contains(body, tt.errText) {
				t.Errorf("panic value leaked into body %q", body)
			}
		})
	}
}

func TestRecover_WrapsErrorPanics(t *testing.T) {
	cause := errors.New("boom")
	rec := &errorRecorder{Logger: log.Nop()}
	h := Recover(rec, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(cause) }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	logged := rec.entries()
	if len(logged) != 1 || !errors.Is(logged[0].err, cause) {
		t.Fatalf("logged = %+v, want an error wrapping the panic value", logged)
	}
}

func TestRecover_ReraisesAbortHandler(t *testing.T) {
	rec := &errorRecorder{Logger: log.Nop()}
	h := Recover(rec, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", r)
		}
		if n := len(rec.entries()); n != 0 {
			t.Errorf("abort was logged %d times", n)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	t.Fatal("ServeHTTP returned normally")
}

func TestRecover_NilLogger(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("x") }))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
}
