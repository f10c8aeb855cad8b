package transport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	portidempotency "github.com/alanyang/delegate-broker/internal/port/idempotency"
	"github.com/alanyang/delegate-broker/internal/transport/httpx"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
)

// noisyPaths are high-frequency agent paths logged at Debug to keep Info clean.
var noisyPaths = map[string]bool{
	"/api/heartbeat":        true,
	"/api/events":           true,
	"/api/agents/keepalive": true,
	"/api/ws":               true,
}

func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.Request.Method == http.MethodOptions {
			return
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if noisyPaths[c.Request.URL.Path] {
			slog.Debug("request", attrs...)
			return
		}
		slog.Info("request", attrs...)
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS, PUT")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+httpx.AccountHeader+", "+IdempotencyHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored response of a POST that carried an
// Idempotency-Key already seen for the account. Server errors are not stored so
// the client may retry them. Runs after the account middleware.
func IdempotencyMiddleware(repo portidempotency.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(IdempotencyHeader)
		if header == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		acct := httpx.Account(c)
		key := acct + ":" + header

		data, found, err := repo.Check(ctx, key)
		if err != nil {
			slog.ErrorContext(ctx, "idempotency check failed", "account_id", acct, "error", err)
			c.Next()
			return
		}
		if found {
			var prev storedResponse
			if err := json.Unmarshal(data, &prev); err == nil {
				c.Header(ReplayedHeader, "true")
				c.Data(prev.Status, "application/json; charset=utf-8", prev.Body)
				c.Abort()
				return
			}
			slog.WarnContext(ctx, "unreadable idempotent response, re-running", "account_id", acct)
		}

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError || w.body.Len() == 0 {
			return
		}
		envelope, err := json.Marshal(storedResponse{Status: status, Body: w.body.Bytes()})
		if err != nil {
			return
		}
		if err := repo.Store(ctx, key, acct, c.Request.Method+" "+c.FullPath(), envelope); err != nil {
			slog.ErrorContext(ctx, "idempotency store failed", "account_id", acct, "error", err)
		}
	}
}
