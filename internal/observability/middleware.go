package observability

import (
	"bytes"
	"encoding/json"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	maxLoggedBody   = 16 << 10
	redacted        = "[redacted]"
)

// RequestLogOptions controls how much of a request is logged. Both are off by
// default; message text stays redacted unless LogMessageContent is set.
type RequestLogOptions struct {
	Verbose           bool
	LogMessageContent bool
}

// RequestID assigns each request an id, reusing a well-formed inbound header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// RequestIDFrom returns the id set by RequestID, or "".
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func RequestLogger(logger zerolog.Logger, opts RequestLogOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var body []byte
		if opts.Verbose && c.Request.Body != nil {
			raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBody+1))
			if err == nil {
				rest := c.Request.Body
				c.Request.Body = struct {
					io.Reader
					io.Closer
				}{io.MultiReader(bytes.NewReader(raw), rest), rest}
				body = raw
			}
		}

		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		event = event.
			Str("request_id", RequestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size())
		if opts.Verbose {
			event = event.
				Interface("headers", redactHeaders(c.Request.Header)).
				Str("body", redactBody(c.ContentType(), body, opts.LogMessageContent))
		}
		event.Msg("http_request")
	}
}

func RequestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

func redactHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		switch strings.ToLower(k) {
		case "authorization", "x-api-key", "cookie":
			out[k] = redacted
		default:
			out[k] = strings.Join(v, ",")
		}
	}
	return out
}

// redactBody masks the message field of JSON and form bodies.
func redactBody(contentType string, body []byte, keepMessage bool) string {
	if len(body) == 0 {
		return ""
	}
	truncated := len(body) > maxLoggedBody
	if truncated {
		body = body[:maxLoggedBody]
	}
	if keepMessage {
		return string(body)
	}
	switch contentType {
	case "application/json":
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return redacted
		}
		if _, ok := fields["message"]; ok {
			fields["message"] = redacted
		}
		out, err := json.Marshal(fields)
		if err != nil {
			return redacted
		}
		return string(out)
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return redacted
		}
		if values.Has("message") {
			values.Set("message", redacted)
		}
		return values.Encode()
	default:
		return redacted
	}
}
