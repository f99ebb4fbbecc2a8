package order

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/storefront/installsched/internal/platform/auth"
	"github.com/storefront/installsched/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleInstaller))
	readGroup.GET("/orders", h.ListOrders)
	readGroup.GET("/orders/:id", h.GetOrder)
	readGroup.GET("/orders/:id/history", h.GetHistory)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleOperator))
	writeGroup.POST("/orders", h.CreateOrder)
	writeGroup.PATCH("/orders/:id/status", h.ChangeStatus)
}

type createOrderRequest struct {
	Number       string `json:"order_number"`
	CustomerName string `json:"customer_name"`
	Status       Status `json:"status"`
}

type changeStatusRequest struct {
	Status Status `json:"status"`
	Notes  string `json:"notes"`
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o := &Order{Number: req.Number, CustomerName: req.CustomerName, Status: req.Status}
	if err := h.svc.Create(c.Request().Context(), o); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	o, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, total, err := h.svc.List(c.Request().Context(), Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	pg, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, total, err := h.svc.History(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req changeStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	o, err := h.svc.ChangeStatus(c.Request().Context(), id, req.Status, actor, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func httpError(err error) error {
	var partial *PartialFailureError
	if errors.As(err, &partial) {
		return echo.NewHTTPError(http.StatusMultiStatus, map[string]interface{}{
			"code":      "PartialFailure",
			"kind":      "PartialFailure",
			"message":   partial.Message,
			"completed": partial.Completed,
			"failed":    partial.Failed,
		})
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrStatusConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
