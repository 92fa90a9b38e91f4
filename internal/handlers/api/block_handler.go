package api

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/model"
)

type BlockService interface {
	BlockStatus(ctx context.Context, ip string) (*model.BlockRecord, error)
	ActiveBlocks(ctx context.Context) ([]model.BlockRecord, error)
	Unblock(ctx context.Context, ip string) error
}

type BlockHandler struct {
	blockService BlockService
}

func (h *BlockHandler) parseIP(ctx *fiber.Ctx) (string, error) {
	ip := ctx.Params("ip")
	if net.ParseIP(ip) == nil {
		return "", badRequest("Invalid IP address")
	}
	return ip, nil
}

func (h *BlockHandler) GetBlocks(ctx *fiber.Ctx) error {
	blocks, err := h.blockService.ActiveBlocks(ctx.UserContext())
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(blocks))
}

func (h *BlockHandler) GetBlockStatus(ctx *fiber.Ctx) error {
	ip, err := h.parseIP(ctx)
	if err != nil {
		return err
	}
	status := blockStatusResponse{IPAddress: ip}
	record, err := h.blockService.BlockStatus(ctx.UserContext(), ip)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ctx.JSON(NewDataResponse(status))
	case err != nil && record == nil:
		return err
	}
	status.Blocked = true
	status.Reason = record.Reason
	status.ExpiresAt = &record.ExpiresAt
	if err != nil {
		return partialResponse(ctx, status, "Block store unavailable, answered from local state", err)
	}
	return ctx.JSON(NewDataResponse(status))
}

func (h *BlockHandler) DeleteBlock(ctx *fiber.Ctx) error {
	ip, err := h.parseIP(ctx)
	if err != nil {
		return err
	}
	if err := h.blockService.Unblock(ctx.UserContext(), ip); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	slog.Info("Block removed by operator", "ip", ip, "operator", operatorOf(ctx))
	return ctx.JSON(NewDataResponse(blockStatusResponse{IPAddress: ip}))
}

func NewBlockHandler(blockService BlockService) *BlockHandler {
	return &BlockHandler{blockService: blockService}
}
