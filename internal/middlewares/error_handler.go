package middlewares

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/alerts"
	"github.com/khanghh/kguard/internal/audit"
	"github.com/khanghh/kguard/internal/handlers/api"
	"github.com/khanghh/kguard/internal/report"
	"github.com/khanghh/kguard/internal/scan"
	"github.com/khanghh/kguard/internal/store"
)

func validationDetails(verr *audit.ValidationError) []api.APIErrorDetail {
	details := make([]api.APIErrorDetail, len(verr.Fields))
	for i, f := range verr.Fields {
		details[i] = api.APIErrorDetail{
			Domain:  "audit",
			Reason:  f.Field,
			Message: f.Message,
		}
	}
	return details
}

// ErrorHandler renders every error returned by a handler as an API envelope.
func ErrorHandler(ctx *fiber.Ctx, err error) error {
	var (
		ferr *fiber.Error
		verr *audit.ValidationError
	)
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	var details []api.APIErrorDetail

	switch {
	case errors.As(err, &ferr):
		code, message = ferr.Code, ferr.Message
	case errors.As(err, &verr):
		code, message = fiber.StatusBadRequest, "Invalid audit entry"
		details = validationDetails(verr)
	case errors.Is(err, alerts.ErrAlertNotFound),
		errors.Is(err, scan.ErrScanNotFound),
		errors.Is(err, report.ErrReportNotFound),
		errors.Is(err, store.ErrNotFound):
		code, message = fiber.StatusNotFound, "Not found"
	case errors.Is(err, alerts.ErrInvalidTransition):
		code, message = fiber.StatusConflict, err.Error()
	case errors.Is(err, scan.ErrUnknownScanType),
		errors.Is(err, scan.ErrNoScanners),
		errors.Is(err, report.ErrInvalidPeriod):
		code, message = fiber.StatusBadRequest, err.Error()
	case store.IsUnavailable(err):
		code, message = fiber.StatusServiceUnavailable, "Storage unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		code, message = fiber.StatusGatewayTimeout, "Request timed out"
	}

	if code >= fiber.StatusInternalServerError {
		slog.Error("Request failed", "path", ctx.Path(), "code", code, "error", err)
	}
	return ctx.Status(code).JSON(api.NewErrorResponse(code, message, details...))
}
