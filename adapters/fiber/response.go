package fiber

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/accountd/core"
)

// DebugEcho decides whether a secret that normally only leaves the
// service by email is copied into a response body.
type DebugEcho func(data fiber.Map, key, value string)

// EchoDisabled drops the value. It is the production setting.
func EchoDisabled(fiber.Map, string, string) {}

// EchoEnabled copies non-empty values into the response.
func EchoEnabled(data fiber.Map, key, value string) {
	if value != "" {
		data[key] = value
	}
}

// responseBuilder renders the {success, data} and {success, error}
// envelopes every endpoint returns.
type responseBuilder struct {
	echo   DebugEcho
	logger *slog.Logger
}

func (r responseBuilder) ok(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func (r responseBuilder) fail(c fiber.Ctx, err error) error {
	e := core.AsError(err)

	message := e.Message
	if e.Kind == core.KindServer {
		r.logger.Error("request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()))
		message = "Internal server error"
	}

	body := fiber.Map{"code": e.Code, "message": message}
	if e.Field != "" {
		body["field"] = e.Field
	}
	return c.Status(statusFor(e.Kind)).JSON(fiber.Map{
		"success": false,
		"error":   body,
	})
}

// statusFor maps error kinds to HTTP status codes
func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindAuth:
		return http.StatusUnauthorized
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
