package http

import (
	"errors"
	"strconv"
	"time"

	"github.com/adboard/settlement/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DealHandler is the internal deal lifecycle surface. Authentication lives
// in the upstream gateway; the caller's identity arrives in X-Actor-ID.
type DealHandler struct {
	deals *services.DealService
	log   *zap.Logger
}

func NewDealHandler(deals *services.DealService, log *zap.Logger) *DealHandler {
	return &DealHandler{deals: deals, log: log}
}

func (h *DealHandler) Register(app *fiber.App) {
	g := app.Group("/internal/deals")
	g.Post("/", h.CreateDeal)
	g.Get("/:id", h.GetDeal)
	g.Get("/", h.ListDeals)
	g.Post("/:id/messages", h.SendMessage)
	g.Get("/:id/messages", h.ListMessages)
	g.Post("/:id/accept", h.AcceptDeal)
	g.Post("/:id/decline", h.DeclineDeal)
	g.Post("/:id/cancel", h.CancelDeal)
	g.Post("/:id/confirm", h.ConfirmCompletion)
}

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

func actorID(c *fiber.Ctx) (uuid.UUID, error) {
	return uuid.Parse(c.Get("X-Actor-ID"))
}

func dealID(c *fiber.Ctx) (uuid.UUID, error) {
	return uuid.Parse(c.Params("id"))
}

func (h *DealHandler) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrDealNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrNotParticipant):
		return c.Status(fiber.StatusForbidden).JSON(errorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrWalletRequired),
		errors.Is(err, services.ErrInvalidPrice),
		errors.Is(err, services.ErrInvalidAdFormat):
		return c.Status(fiber.StatusConflict).JSON(errorResponse{Error: err.Error()})
	}
	h.log.Error("deal handler failure", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: "internal error"})
}

type createDealRequest struct {
	DealType           string     `json:"deal_type"`
	ChannelID          string     `json:"channel_id"`
	AdFormat           string     `json:"ad_format"`
	PriceTON           string     `json:"price_ton"`
	Brief              string     `json:"brief"`
	ScheduledPostTime  *time.Time `json:"scheduled_post_time"`
	MinPublicationDays int        `json:"min_publication_duration_days"`
}

func (h *DealHandler) CreateDeal(c *fiber.Ctx) error {
	var req createDealRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request"})
	}
	advertiser, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid actor id"})
	}
	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid channel_id"})
	}
	price, err := decimal.NewFromString(req.PriceTON)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid price_ton"})
	}

	deal, err := h.deals.CreateDeal(c.Context(), services.CreateDealInput{
		DealType:           req.DealType,
		ChannelID:          channelID,
		AdvertiserID:       advertiser,
		AdFormat:           req.AdFormat,
		PriceTON:           price,
		Brief:              req.Brief,
		ScheduledPostTime:  req.ScheduledPostTime,
		MinPublicationDays: req.MinPublicationDays,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(successResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetDeal(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid deal id"})
	}
	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid actor id"})
	}
	deal, err := h.deals.GetDeal(c.Context(), id, actor)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(successResponse{OK: true, Data: deal})
}

func (h *DealHandler) ListDeals(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid actor id"})
	}
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	deals, err := h.deals.ListDeals(c.Context(), actor, limit, offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(successResponse{OK: true, Data: deals})
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

func (h *DealHandler) SendMessage(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid deal id"})
	}
	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid actor id"})
	}
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil || req.Body == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "message body is required"})
	}

	msg, err := h.deals.SendMessage(c.Context(), id, actor, req.Body)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(successResponse{OK: true, Data: msg})
}

func (h *DealHandler) ListMessages(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid deal id"})
	}
	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid actor id"})
	}
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	msgs, err := h.deals.ListMessages(c.Context(), id, actor, limit, offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(successResponse{OK: true, Data: msgs})
}

type acceptDealRequest struct {
	WalletAddress string `json:"wallet_address"`
}

func (h *DealHandler) AcceptDeal(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid deal id"})
	}
	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid actor id"})
	}
	var req acceptDealRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request"})
	}

	deal, err := h.deals.AcceptDeal(c.Context(), id, actor, req.WalletAddress)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(successResponse{OK: true, Data: deal})
}

type declineDealRequest struct {
	Reason string `json:"reason"`
}

func (h *DealHandler) DeclineDeal(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid deal id"})
	}
	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid actor id"})
	}
	var req declineDealRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request"})
	}

	deal, err := h.deals.DeclineDeal(c.Context(), id, actor, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(successResponse{OK: true, Data: deal})
}

func (h *DealHandler) CancelDeal(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid deal id"})
	}
	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid actor id"})
	}

	deal, err := h.deals.CancelDeal(c.Context(), id, actor)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(successResponse{OK: true, Data: deal})
}

func (h *DealHandler) ConfirmCompletion(c *fiber.Ctx) error {
	id, err := dealID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid deal id"})
	}
	actor, err := actorID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid actor id"})
	}

	txHash, err := h.deals.ConfirmCompletion(c.Context(), id, actor)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(successResponse{OK: true, Data: fiber.Map{"tx_hash": txHash}})
}
