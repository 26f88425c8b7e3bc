package handlers

import (
	"errors"
	"net/http"

	"givecycle/internal/common"
	"givecycle/internal/models"
	"givecycle/internal/services"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// CycleTrigger starts an out-of-schedule settlement pass.
type CycleTrigger interface {
	RunNow() error
}

// SubscriptionHandlers handles HTTP requests for recurring donations
type SubscriptionHandlers struct {
	admin   services.SubscriptionAdminService
	trigger CycleTrigger
	logger  *zap.Logger
}

// NewSubscriptionHandlers creates subscription handlers. A nil trigger leaves
// POST /settlements/run unmounted.
func NewSubscriptionHandlers(admin services.SubscriptionAdminService, trigger CycleTrigger, logger *zap.Logger) *SubscriptionHandlers {
	return &SubscriptionHandlers{
		admin:   admin,
		trigger: trigger,
		logger:  logger,
	}
}

// Register mounts the subscription routes on g.
func (h *SubscriptionHandlers) Register(g *echo.Group) {
	g.POST("/subscriptions", h.CreateSubscription)
	g.GET("/subscriptions", h.ListSubscriptions)
	g.GET("/subscriptions/:id", h.GetSubscription)
	g.PATCH("/subscriptions/:id", h.UpdateSubscription)
	g.DELETE("/subscriptions/:id", h.DeleteSubscription)
	g.POST("/subscriptions/:id/pause", h.PauseSubscription)
	g.POST("/subscriptions/:id/resume", h.ResumeSubscription)
	g.POST("/subscriptions/:id/cancel", h.CancelSubscription)
	g.GET("/subscriptions/:id/settlements", h.ListSettlements)
	if h.trigger != nil {
		g.POST("/settlements/run", h.RunSettlementCycle)
	}
}

type updateSubscriptionBody struct {
	services.UpdateSubscriptionRequest
	CallerEmail string `json:"caller_email"`
}

type lifecycleBody struct {
	CallerEmail string `json:"caller_email"`
	Reason      string `json:"reason"`
}

// CreateSubscription handles POST /subscriptions
func (h *SubscriptionHandlers) CreateSubscription(c echo.Context) error {
	var req services.CreateSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}

	id, err := h.admin.Create(c.Request().Context(), &req)
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message": "Subscription created successfully",
		"id":      id,
	})
}

// GetSubscription handles GET /subscriptions/:id
func (h *SubscriptionHandlers) GetSubscription(c echo.Context) error {
	id, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	subscription, err := h.admin.Get(c.Request().Context(), id)
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(http.StatusOK, subscription)
}

// ListSubscriptions handles GET /subscriptions?donor_email=|status=
func (h *SubscriptionHandlers) ListSubscriptions(c echo.Context) error {
	filter := services.ListSubscriptionsFilter{
		DonorEmail: c.QueryParam("donor_email"),
		Status:     c.QueryParam("status"),
		Page:       common.QueryInt(c, "page", 1),
		PageSize:   common.QueryInt(c, "page_size", 20),
	}
	if raw := c.QueryParam("donor_id"); raw != "" {
		donorID, err := common.ValidateUUID(raw, "donor_id")
		if err != nil {
			return common.SendValidationError(c, "donor_id", err.Error())
		}
		filter.DonorID = &donorID
	}

	page, err := h.admin.List(c.Request().Context(), filter)
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// UpdateSubscription handles PATCH /subscriptions/:id
func (h *SubscriptionHandlers) UpdateSubscription(c echo.Context) error {
	id, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}
	var body updateSubscriptionBody
	if err := c.Bind(&body); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	c.Set("caller_email", body.CallerEmail)

	subscription, err := h.admin.Update(c.Request().Context(), id, &body.UpdateSubscriptionRequest, body.CallerEmail)
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(http.StatusOK, subscription)
}

// PauseSubscription handles POST /subscriptions/:id/pause
func (h *SubscriptionHandlers) PauseSubscription(c echo.Context) error {
	return h.lifecycle(c, "paused", func(id uuid.UUID, body lifecycleBody) (bool, error) {
		return h.admin.Pause(c.Request().Context(), id, body.CallerEmail)
	})
}

// ResumeSubscription handles POST /subscriptions/:id/resume
func (h *SubscriptionHandlers) ResumeSubscription(c echo.Context) error {
	return h.lifecycle(c, "resumed", func(id uuid.UUID, body lifecycleBody) (bool, error) {
		return h.admin.Resume(c.Request().Context(), id, body.CallerEmail)
	})
}

// CancelSubscription handles POST /subscriptions/:id/cancel
func (h *SubscriptionHandlers) CancelSubscription(c echo.Context) error {
	return h.lifecycle(c, "cancelled", func(id uuid.UUID, body lifecycleBody) (bool, error) {
		return h.admin.Cancel(c.Request().Context(), id, body.Reason, body.CallerEmail)
	})
}

func (h *SubscriptionHandlers) lifecycle(c echo.Context, verb string, apply func(uuid.UUID, lifecycleBody) (bool, error)) error {
	id, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}
	var body lifecycleBody
	if err := c.Bind(&body); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	c.Set("caller_email", body.CallerEmail)

	ok, err := apply(id, body)
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Subscription " + verb,
		"success": ok,
	})
}

// DeleteSubscription handles DELETE /subscriptions/:id?caller_email=
func (h *SubscriptionHandlers) DeleteSubscription(c echo.Context) error {
	id, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}
	if err := h.admin.Delete(c.Request().Context(), id, c.QueryParam("caller_email")); err != nil {
		return h.handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListSettlements handles GET /subscriptions/:id/settlements?caller_email=
func (h *SubscriptionHandlers) ListSettlements(c echo.Context) error {
	id, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}
	callerEmail := c.QueryParam("caller_email")
	c.Set("caller_email", callerEmail)
	page, err := h.admin.Settlements(c.Request().Context(), id, common.QueryInt(c, "page", 1), common.QueryInt(c, "page_size", 20), callerEmail)
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// RunSettlementCycle handles POST /settlements/run
func (h *SubscriptionHandlers) RunSettlementCycle(c echo.Context) error {
	if err := h.trigger.RunNow(); err != nil {
		h.logger.Error("failed to trigger settlement cycle", zap.Error(err))
		return common.SendServerError(c, "Failed to start settlement cycle")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message": "Settlement cycle started"})
}

// handleError maps service errors to responses. Unexpected errors are logged
// and replaced with a generic message.
func (h *SubscriptionHandlers) handleError(c echo.Context, err error) error {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return common.SendValidationError(c, verr.Field, verr.Message)
	case errors.Is(err, models.ErrNotFound):
		return common.SendNotFoundError(c, "Subscription")
	case errors.Is(err, models.ErrForbidden):
		return common.SendForbiddenError(c, "Caller does not own this subscription")
	case errors.Is(err, models.ErrAlreadyTerminal):
		return common.SendConflictError(c, "ALREADY_TERMINAL", "Subscription is cancelled")
	case errors.Is(err, models.ErrInvalidStateTransition):
		return common.SendConflictError(c, "INVALID_STATE_TRANSITION", "Operation is not allowed in the subscription's current state")
	}

	h.logger.Error("subscription request failed",
		zap.String("request_id", common.GetRequestIDFromContext(c.Request().Context())),
		zap.String("path", c.Path()),
		zap.Error(err))
	return common.SendServerError(c, "Internal server error")
}
