package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestLogging(t *testing.T) {
	t.Run("logs request with request_id in context", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

		var capturedReqID string
		var capturedLogger *slog.Logger
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := RequestIDFromContext(r.Context())
			if !ok {
				t.Fatal("expected request_id in context")
			}
			capturedReqID = id
			capturedLogger = LoggerFromContext(r.Context())
			w.WriteHeader(http.StatusTeapot)
		})

		handler := RequestLogging(logger)(inner)
		req := httptest.NewRequest(http.MethodGet, "/api/1.0/client/auth", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if _, err := uuid.Parse(capturedReqID); err != nil {
			t.Fatalf("request_id %q is not a UUID: %v", capturedReqID, err)
		}
		if capturedLogger == nil {
			t.Fatal("expected logger in context")
		}
		if got := rec.Header().Get("X-Request-ID"); got != capturedReqID {
			t.Fatalf("X-Request-ID = %q, want %q", got, capturedReqID)
		}

		output := buf.String()
		for _, want := range []string{"request started", "request completed", capturedReqID, "method=GET", "status_code=418"} {
			if !strings.Contains(output, want) {
				t.Fatalf("expected %q in log output, got: %s", want, output)
			}
		}
	})

	t.Run("reuses a valid incoming request id", func(t *testing.T) {
		id := uuid.NewString()
		var got string
		handler := RequestLogging(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			got, _ = RequestIDFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", id)
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if got != id {
			t.Fatalf("request_id = %q, want %q", got, id)
		}
	})

	t.Run("default logger and flush passthrough", func(t *testing.T) {
		handler := RequestLogging(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.(http.Flusher).Flush()
			_, _ = w.Write([]byte("ok"))
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if !rec.Flushed {
			t.Fatal("expected the underlying writer to be flushed")
		}
	})
}

func TestLoggerFromContextFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if LoggerFromContext(req.Context()) != slog.Default() {
		t.Fatal("expected slog.Default() without a request logger")
	}
}
