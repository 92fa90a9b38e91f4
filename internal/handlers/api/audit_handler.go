package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/model"
	"github.com/spf13/cast"
)

type AuditService interface {
	LogAuditEvent(ctx context.Context, entry *model.AuditLogEntry) (string, error)
	GetAuditEvents(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error)
	Get(ctx context.Context, logID string) (*model.AuditLogEntry, error)
}

type AuditHandler struct {
	auditService AuditService
}

func (h *AuditHandler) PostAuditEvent(ctx *fiber.Ctx) error {
	var req auditEventRequest
	if err := ctx.BodyParser(&req); err != nil {
		return badRequest("Invalid request body")
	}
	entry := &model.AuditLogEntry{
		LogID:     req.LogID,
		Timestamp: req.Timestamp,
		UserID:    req.UserID,
		Action:    req.Action,
		Resource:  req.Resource,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Success:   req.Success,
		Details:   req.Details,
		RiskScore: req.RiskScore,
	}
	logID, err := h.auditService.LogAuditEvent(ctx.UserContext(), entry)
	if err != nil {
		return err
	}
	return ctx.Status(fiber.StatusCreated).JSON(NewDataResponse(auditEventResponse{LogID: logID}))
}

func parseTimeQuery(ctx *fiber.Ctx, key string) (time.Time, error) {
	val := ctx.Query(key)
	if val == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, badRequest("Invalid " + key + ", expected RFC3339 time")
	}
	return t, nil
}

func (h *AuditHandler) GetAuditEvents(ctx *fiber.Ctx) error {
	since, err := parseTimeQuery(ctx, "since")
	if err != nil {
		return err
	}
	until, err := parseTimeQuery(ctx, "until")
	if err != nil {
		return err
	}
	limit, err := cast.ToIntE(ctx.Query("limit", "0"))
	if err != nil || limit < 0 {
		return badRequest("Invalid limit")
	}
	entries, err := h.auditService.GetAuditEvents(ctx.UserContext(), model.AuditFilter{
		IPAddress: ctx.Query("ip"),
		UserID:    ctx.Query("user_id"),
		Action:    ctx.Query("action"),
		Since:     since,
		Until:     until,
		Limit:     limit,
	})
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(entries))
}

func (h *AuditHandler) GetAuditEvent(ctx *fiber.Ctx) error {
	entry, err := h.auditService.Get(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(entry))
}

func NewAuditHandler(auditService AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}
