package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/agentbus/orchestrator/internal/apierr"
)

// writeError translates a domain error (internal/apierr's sentinel
// taxonomy, spec.md §7) into the JSON error envelope with the matching
// HTTP status. Unrecognised errors get status 500; the envelope always
// carries the caller-supplied code.
func writeError(c *fiber.Ctx, code string, err error) error {
	status := apierr.HTTPStatus(err)
	return c.Status(status).JSON(errEnvelope(code, err.Error()))
}

// badRequest writes a 400 with a machine code, no wrapped error needed.
func badRequest(c *fiber.Ctx, code, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errEnvelope(code, message))
}

func notFound(c *fiber.Ctx, code, message string) error {
	return c.Status(fiber.StatusNotFound).JSON(errEnvelope(code, message))
}

func conflict(c *fiber.Ctx, code, message string) error {
	return c.Status(fiber.StatusConflict).JSON(errEnvelope(code, message))
}

func internalError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(errEnvelope("INTERNAL", err.Error()))
}

func disabled(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(errEnvelope("DISABLED", message))
}

// asCoded unwraps a *apierr.Coded if err is one, for handlers that want
// the machine code alongside the kind.
func asCoded(err error) (*apierr.Coded, bool) {
	var coded *apierr.Coded
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// storeErrorResponse maps a raw store error (typically apierr.ErrNotFound
// from a lookup) to the envelope, defaulting to a generic not-found code.
func storeErrorResponse(c *fiber.Ctx, err error, notFoundCode string) error {
	if errors.Is(err, apierr.ErrNotFound) {
		return notFound(c, notFoundCode, "not found")
	}
	return internalError(c, err)
}
