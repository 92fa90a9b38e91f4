package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/threat"
	"github.com/khanghh/kguard/model"
	"github.com/spf13/cast"
)

type ScanRunner interface {
	RunSecurityScan(ctx context.Context, scanType string) (*model.ScanResult, error)
	Get(ctx context.Context, scanID string) (*model.ScanResult, error)
}

type ReportGenerator interface {
	GenerateReport(ctx context.Context, periodDays int) (*model.Report, error)
	Get(ctx context.Context, reportID string) (*model.Report, error)
}

type RuleSource interface {
	Rules() []*threat.Rule
}

type ScanHandler struct {
	scanRunner ScanRunner
}

func (h *ScanHandler) PostScan(ctx *fiber.Ctx) error {
	var req scanRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return badRequest("Invalid request body")
		}
	}
	if req.ScanType == "" {
		req.ScanType = ctx.Query("type")
	}
	result, err := h.scanRunner.RunSecurityScan(ctx.UserContext(), req.ScanType)
	if result == nil && err != nil {
		return err
	}
	if err != nil {
		return partialResponse(ctx, result, "Scan result could not be persisted", err)
	}
	return ctx.JSON(NewDataResponse(result))
}

func (h *ScanHandler) GetScan(ctx *fiber.Ctx) error {
	result, err := h.scanRunner.Get(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(result))
}

func NewScanHandler(scanRunner ScanRunner) *ScanHandler {
	return &ScanHandler{scanRunner: scanRunner}
}

type ReportHandler struct {
	generator ReportGenerator
	rules     RuleSource
}

func (h *ReportHandler) GetReport(ctx *fiber.Ctx) error {
	days, err := cast.ToIntE(ctx.Query("days", "7"))
	if err != nil {
		return badRequest("Invalid days")
	}
	report, err := h.generator.GenerateReport(ctx.UserContext(), days)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(report))
}

func (h *ReportHandler) GetStoredReport(ctx *fiber.Ctx) error {
	report, err := h.generator.Get(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(report))
}

func (h *ReportHandler) GetRules(ctx *fiber.Ctx) error {
	return ctx.JSON(NewDataResponse(h.rules.Rules()))
}

func NewReportHandler(generator ReportGenerator, rules RuleSource) *ReportHandler {
	return &ReportHandler{generator: generator, rules: rules}
}
