package middlewares

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/handlers/api"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/patterns"
)

type BlockChecker interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

type RequestInspector interface {
	Inspect(ctx context.Context, req patterns.RequestInfo, fields ...patterns.Field) ([]patterns.Finding, error)
}

type GuardConfig struct {
	// RejectMatches answers requests with a detector match with 400 instead of
	// only recording them.
	RejectMatches  bool
	InspectHeaders []string
	MaxBodySize    int
	UserIDHeader   string
	// SkipPaths are path prefixes passed through without block checks or inspection.
	SkipPaths []string
}

func inspectableBody(ctx *fiber.Ctx, maxSize int) bool {
	body := ctx.Body()
	if len(body) == 0 || len(body) > maxSize {
		return false
	}
	contentType := strings.ToLower(ctx.Get(fiber.HeaderContentType))
	for _, t := range []string{fiber.MIMEApplicationJSON, fiber.MIMEApplicationForm, fiber.MIMETextPlain, fiber.MIMEApplicationXML, fiber.MIMETextXML} {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

func requestFields(ctx *fiber.Ctx, config *GuardConfig) []patterns.Field {
	fields := []patterns.Field{{Name: "path", Value: string(ctx.Request().URI().PathOriginal())}}
	ctx.Context().QueryArgs().VisitAll(func(key, value []byte) {
		fields = append(fields, patterns.Field{Name: "query." + string(key), Value: string(value)})
	})
	for _, h := range config.InspectHeaders {
		if v := ctx.Get(h); v != "" {
			fields = append(fields, patterns.Field{Name: "header." + h, Value: v})
		}
	}
	if !inspectableBody(ctx, config.MaxBodySize) {
		return fields
	}
	if strings.HasPrefix(strings.ToLower(ctx.Get(fiber.HeaderContentType)), fiber.MIMEApplicationForm) {
		ctx.Request().PostArgs().VisitAll(func(key, value []byte) {
			fields = append(fields, patterns.Field{Name: "form." + string(key), Value: string(value)})
		})
		return fields
	}
	return append(fields, patterns.Field{Name: "body", Value: string(ctx.Body())})
}

// skipped reports whether path is one of prefixes or below one of them.
func skipped(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		prefix = strings.TrimSuffix(prefix, "/")
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// Guard rejects blocked source addresses and runs the pattern detectors over the
// request before it reaches the application.
func Guard(checker BlockChecker, inspector RequestInspector, config GuardConfig) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if skipped(ctx.Path(), config.SkipPaths) {
			return ctx.Next()
		}
		ip := ctx.IP()
		blocked, err := checker.IsBlocked(ctx.UserContext(), ip)
		if err != nil {
			slog.Warn("Block lookup degraded", "ip", ip, "error", err)
		}
		if blocked {
			metrics.BlockedRequests.Inc()
			return ctx.Status(fiber.StatusForbidden).JSON(api.NewErrorResponse(fiber.StatusForbidden, "Access denied"))
		}
		if inspector == nil {
			return ctx.Next()
		}

		req := patterns.RequestInfo{
			IPAddress: ip,
			UserAgent: ctx.Get(fiber.HeaderUserAgent),
			Method:    ctx.Method(),
			Path:      ctx.Path(),
		}
		if config.UserIDHeader != "" {
			req.UserID = ctx.Get(config.UserIDHeader)
		}
		findings, err := inspector.Inspect(ctx.UserContext(), req, requestFields(ctx, &config)...)
		if err != nil {
			slog.Warn("Failed to record request findings", "ip", ip, "error", err)
		}
		if len(findings) == 0 || !config.RejectMatches {
			return ctx.Next()
		}
		details := make([]api.APIErrorDetail, len(findings))
		for i, f := range findings {
			details[i] = api.APIErrorDetail{
				Domain:  "guard",
				Reason:  string(f.Category),
				Message: "Suspicious content in " + f.Field,
			}
		}
		return ctx.Status(fiber.StatusBadRequest).JSON(api.NewErrorResponse(fiber.StatusBadRequest, "Request rejected", details...))
	}
}
