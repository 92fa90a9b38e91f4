package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/model"
	"github.com/spf13/cast"
)

type AlertService interface {
	Get(ctx context.Context, alertID string) (*model.SecurityAlert, error)
	List(ctx context.Context, filter model.AlertFilter) ([]model.SecurityAlert, error)
	Acknowledge(ctx context.Context, alertID string, operator string) (*model.SecurityAlert, error)
	Resolve(ctx context.Context, alertID string, operator string, notes string) (*model.SecurityAlert, error)
	MarkFalsePositive(ctx context.Context, alertID string, operator string, notes string) (*model.SecurityAlert, error)
}

type AlertHandler struct {
	alertService AlertService
}

func (h *AlertHandler) GetAlerts(ctx *fiber.Ctx) error {
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
	filter := model.AlertFilter{
		Status:      model.AlertStatus(ctx.Query("status")),
		ThreatLevel: model.ThreatLevel(ctx.Query("threat_level")),
		EventType:   model.EventType(ctx.Query("event_type")),
		SourceIP:    ctx.Query("ip"),
		Since:       since,
		Until:       until,
		Limit:       limit,
	}
	if filter.ThreatLevel != "" && !filter.ThreatLevel.Valid() {
		return badRequest("Invalid threat_level")
	}
	alerts, err := h.alertService.List(ctx.UserContext(), filter)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(alerts))
}

func (h *AlertHandler) GetAlert(ctx *fiber.Ctx) error {
	alert, err := h.alertService.Get(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(alert))
}

func (h *AlertHandler) PostAcknowledge(ctx *fiber.Ctx) error {
	alert, err := h.alertService.Acknowledge(ctx.UserContext(), ctx.Params("id"), operatorOf(ctx))
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(alert))
}

func (h *AlertHandler) parseResolution(ctx *fiber.Ctx) (string, error) {
	var req resolutionRequest
	if len(ctx.Body()) == 0 {
		return "", nil
	}
	if err := ctx.BodyParser(&req); err != nil {
		return "", badRequest("Invalid request body")
	}
	return req.Notes, nil
}

func (h *AlertHandler) PostResolve(ctx *fiber.Ctx) error {
	notes, err := h.parseResolution(ctx)
	if err != nil {
		return err
	}
	alert, err := h.alertService.Resolve(ctx.UserContext(), ctx.Params("id"), operatorOf(ctx), notes)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(alert))
}

func (h *AlertHandler) PostFalsePositive(ctx *fiber.Ctx) error {
	notes, err := h.parseResolution(ctx)
	if err != nil {
		return err
	}
	alert, err := h.alertService.MarkFalsePositive(ctx.UserContext(), ctx.Params("id"), operatorOf(ctx), notes)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(alert))
}

func NewAlertHandler(alertService AlertService) *AlertHandler {
	return &AlertHandler{alertService: alertService}
}
