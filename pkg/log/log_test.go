package log

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCtxFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := WithLogger(context.Background(), logger)
	l := Ctx(ctx)
	l.Info().Msg("hello")

	if buf.Len() == 0 {
		t.Fatal("expected the context logger to be used")
	}

	// No logger in context: must not panic.
	_ = Ctx(context.Background())
}

func TestWithRoom(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithRoom(WithLogger(context.Background(), zerolog.New(&buf)), "ABCD1234")

	l := Ctx(ctx)
	l.Info().Msg("joined")

	if !strings.Contains(buf.String(), `"room_id":"ABCD1234"`) {
		t.Fatalf("room id missing from %s", buf.String())
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	r := gin.New()
	r.Use(GinMiddleware(zerolog.New(&buf)))
	r.GET("/rooms/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	t.Run("generates request id", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms/ABCD1234", nil))

		if w.Header().Get(headerRequestID) == "" {
			t.Fatal("missing X-Request-ID response header")
		}

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
		}
		if entry[FieldRoomID] != "ABCD1234" {
			t.Errorf("room_id = %v, want ABCD1234", entry[FieldRoomID])
		}
		if entry[FieldStatus] != float64(http.StatusNoContent) {
			t.Errorf("status = %v, want 204", entry[FieldStatus])
		}
	})

	t.Run("echoes incoming request id", func(t *testing.T) {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, "/rooms/ABCD1234", nil)
		req.Header.Set(headerRequestID, "req-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if got := w.Header().Get(headerRequestID); got != "req-1" {
			t.Errorf("X-Request-ID = %q, want req-1", got)
		}
	})
}
