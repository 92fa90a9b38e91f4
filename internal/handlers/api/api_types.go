package api

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/params"
)

// LocalsOperator holds the authenticated operator id set by the auth middleware.
const LocalsOperator = "operator"

type APIResponse struct {
	APIVersion string        `json:"apiVersion"`
	Data       any           `json:"data,omitempty"`
	Error      *APIErrorInfo `json:"error,omitempty"`
}

type APIErrorInfo struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Errors  []APIErrorDetail `json:"errors,omitempty"`
}

type APIErrorDetail struct {
	Domain  string `json:"domain"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func NewDataResponse(data any) APIResponse {
	return APIResponse{
		APIVersion: params.APIVersion,
		Data:       data,
	}
}

func NewErrorResponse(code int, message string, details ...APIErrorDetail) APIResponse {
	return APIResponse{
		APIVersion: params.APIVersion,
		Error: &APIErrorInfo{
			Code:    code,
			Message: message,
			Errors:  details,
		},
	}
}

func operatorOf(ctx *fiber.Ctx) string {
	operator, _ := ctx.Locals(LocalsOperator).(string)
	return operator
}

// partialResponse answers with the data that could be produced together with the
// storage error that prevented a complete answer.
func partialResponse(ctx *fiber.Ctx, data any, message string, err error) error {
	slog.Error(message, "path", ctx.Path(), "error", err)
	resp := NewErrorResponse(fiber.StatusServiceUnavailable, message)
	resp.Data = data
	return ctx.Status(fiber.StatusServiceUnavailable).JSON(resp)
}

func badRequest(message string) error {
	return fiber.NewError(fiber.StatusBadRequest, message)
}

type auditEventRequest struct {
	LogID     string         `json:"log_id"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent"`
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details"`
	RiskScore float64        `json:"risk_score"`
}

type auditEventResponse struct {
	LogID string `json:"log_id"`
}

type scanRequest struct {
	ScanType string `json:"scan_type"`
}

type resolutionRequest struct {
	Notes string `json:"notes"`
}

type blockStatusResponse struct {
	IPAddress string     `json:"ip_address"`
	Blocked   bool       `json:"blocked"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
