package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { Fail(c, http.StatusConflict, ErrAlreadySubmitted) })

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{name: "generated", header: "", keep: false},
		{name: "client supplied", header: "trace-123", keep: true},
		{name: "too long", header: strings.Repeat("x", 65), keep: false},
		{name: "control characters", header: "bad\tid", keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			var body Response
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			got := rec.Header().Get("X-Request-ID")
			if got == "" || body.Metadata.RequestID != got {
				t.Fatalf("header %q, metadata %q", got, body.Metadata.RequestID)
			}
			if (got == tt.header) != tt.keep {
				t.Fatalf("request id = %q, keep client value = %v", got, tt.keep)
			}
			if body.Error == nil || body.Error.Code != ErrAlreadySubmitted || body.Error.Message != GetMessage(ErrAlreadySubmitted) {
				t.Fatalf("error body = %+v", body.Error)
			}
		})
	}
}
