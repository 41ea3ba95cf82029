package cmdgate

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cmdgate/cmdgate/api/gateapi"
)

// handleError answers errors that escaped the handlers, e.g. unknown routes
// or oversized bodies, with the same body the API uses
func handleError(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	description := "internal server error"
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		description = fiberErr.Message
	} else {
		log.WithError(err).WithField("path", ctx.Path()).Error("unhandled error")
	}
	return ctx.Status(code).JSON(
		gateapi.Error{
			Error:            errorCode(code),
			ErrorDescription: description,
		},
	)
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return gateapi.ErrorCodeNotFound
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusInternalServerError:
		return gateapi.ErrorCodeServerError
	}
	if status >= 400 && status < 500 {
		return gateapi.ErrorCodeInvalidRequest
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}
