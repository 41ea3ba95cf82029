package gateapi

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cmdgate/cmdgate/storage/model"
)

// Error codes used in the "error" field of error responses
const (
	ErrorCodeUnauthorized        = "unauthorized"
	ErrorCodeForbidden           = "forbidden"
	ErrorCodeNotFound            = "not_found"
	ErrorCodeAlreadyExists       = "already_exists"
	ErrorCodeInvalidPattern      = "invalid_pattern"
	ErrorCodeInvalidRequest      = "invalid_request"
	ErrorCodeInsufficientCredits = "insufficient_credits"
	ErrorCodeRateLimited         = "rate_limited"
	ErrorCodeServerError         = "server_error"
)

// Error is the body of every error response
type Error struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func errorResponse(c *fiber.Ctx, status int, code, description string) error {
	return c.Status(status).JSON(Error{Error: code, ErrorDescription: description})
}

func invalidRequest(c *fiber.Ctx, description string) error {
	return errorResponse(c, fiber.StatusBadRequest, ErrorCodeInvalidRequest, description)
}

// writeError maps err to its status code and writes the error body. Storage
// failures are logged and answered without internals.
func writeError(c *fiber.Ctx, err error) error {
	var (
		unauthorized   model.UnauthorizedError
		forbidden      model.ForbiddenError
		notFound       model.NotFoundError
		alreadyExists  model.AlreadyExistsError
		invalidPattern model.InvalidPatternError
		validation     model.ValidationError
		insufficient   model.InsufficientCreditsError
	)
	switch {
	case errors.As(err, &unauthorized):
		return errorResponse(c, fiber.StatusUnauthorized, ErrorCodeUnauthorized, unauthorized.Error())
	case errors.As(err, &forbidden):
		return errorResponse(c, fiber.StatusForbidden, ErrorCodeForbidden, forbidden.Error())
	case errors.As(err, &notFound):
		return errorResponse(c, fiber.StatusNotFound, ErrorCodeNotFound, notFound.Error())
	case errors.As(err, &alreadyExists):
		return errorResponse(c, fiber.StatusConflict, ErrorCodeAlreadyExists, alreadyExists.Error())
	case errors.As(err, &invalidPattern):
		return errorResponse(c, fiber.StatusBadRequest, ErrorCodeInvalidPattern, invalidPattern.Error())
	case errors.As(err, &validation):
		return errorResponse(c, fiber.StatusBadRequest, ErrorCodeInvalidRequest, validation.Error())
	case errors.As(err, &insufficient):
		return errorResponse(c, fiber.StatusPaymentRequired, ErrorCodeInsufficientCredits, insufficient.Error())
	}
	log.WithError(err).WithField("path", c.Path()).Error("request failed")
	return errorResponse(c, fiber.StatusInternalServerError, ErrorCodeServerError, "internal storage failure")
}
