package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

const redacted = "[REDACTED]"

// BodyLogger logs request and response bodies at debug level with password
// fields redacted. Logging failures never affect the response.
func BodyLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return echomw.BodyDumpWithConfig(echomw.BodyDumpConfig{
		Skipper: func(c echo.Context) bool {
			return !logger.Enabled(c.Request().Context(), slog.LevelDebug)
		},
		Handler: func(c echo.Context, reqBody, resBody []byte) {
			defer func() { _ = recover() }()
			logger.Debug("request body",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"route", c.Get(RouteNameKey),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"request", RedactBody(reqBody),
				"response", RedactBody(resBody),
			)
		},
	})
}

// RedactBody renders body for logging. JSON bodies have every key containing
// "password" (any case, any depth) replaced; other bodies are reduced to a size.
func RedactBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return "<non-JSON body, " + strconv.Itoa(len(body)) + " bytes>"
	}
	out, err := json.Marshal(redact(v))
	if err != nil {
		return "<unloggable body>"
	}
	return string(out)
}

func redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if strings.Contains(strings.ToLower(k), "password") {
				t[k] = redacted
				continue
			}
			t[k] = redact(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = redact(val)
		}
		return t
	default:
		return v
	}
}
