package scheduling

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/storefront/installsched/internal/platform/auth"
)

// defaultWindowDays is the span of /slots and /calendar when no range is given.
const defaultWindowDays = 7

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleInstaller))
	readGroup.GET("/slots", h.ListSlots)
	readGroup.GET("/slots/check", h.CheckSlot)
	readGroup.GET("/calendar", h.GetCalendar)
	readGroup.GET("/appointments/:id", h.GetAppointment)
	readGroup.GET("/appointments/:id/move-check", h.CheckMove)
	readGroup.GET("/orders/:id/installation", h.GetInstallation)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleOperator))
	writeGroup.POST("/orders/:id/installation", h.Book)
	writeGroup.POST("/orders/:id/installation/window", h.BookWindow)
	writeGroup.PUT("/orders/:id/installation", h.Reschedule)
	writeGroup.POST("/orders/:id/installation/cancel", h.CancelForOrder)
	writeGroup.DELETE("/appointments/:id", h.DeleteAppointment)

	installGroup := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleInstaller))
	installGroup.POST("/orders/:id/installed", h.MarkInstalled)
}

type bookRequest struct {
	Date  string `json:"date"`
	Slot  string `json:"slot"`
	Notes string `json:"notes"`
}

type windowRequest struct {
	Date            string `json:"date"`
	Start           string `json:"start"`
	DurationMinutes int    `json:"duration_minutes"`
	Notes           string `json:"notes"`
}

type rescheduleRequest struct {
	Date   string `json:"date"`
	Slot   string `json:"slot"`
	Reason string `json:"reason"`
}

type cancelRequest struct {
	Mode   CancelMode `json:"mode"`
	Reason string     `json:"reason"`
}

type bookResponse struct {
	AppointmentID uuid.UUID    `json:"appointment_id"`
	Appointment   *Appointment `json:"appointment"`
	Message       string       `json:"message"`
}

func (h *Handler) ListSlots(c echo.Context) error {
	from, to := h.rangeParams(c)
	out, err := h.svc.ListAvailability(c.Request().Context(), from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"from":  from,
		"to":    to,
		"slots": h.svc.Slots().Labels(),
		"days":  out,
	})
}

func (h *Handler) CheckSlot(c echo.Context) error {
	exclude := uuid.Nil
	if raw := c.QueryParam("exclude"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid exclude id")
		}
		exclude = id
	}
	date, slot := c.QueryParam("date"), c.QueryParam("slot")
	av, err := h.svc.IsAvailable(c.Request().Context(), date, slot, exclude)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"date":      date,
		"slot":      slot,
		"available": av.Available,
		"reason":    av.Reason,
	})
}

func (h *Handler) GetCalendar(c echo.Context) error {
	from, to := h.rangeParams(c)
	days, err := h.svc.Calendar(c.Request().Context(), from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"from":  from,
		"to":    to,
		"slots": h.svc.Slots().Labels(),
		"days":  days,
	})
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CheckMove(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	mc, err := h.svc.CheckMove(c.Request().Context(), id, c.QueryParam("date"), c.QueryParam("slot"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, mc)
}

func (h *Handler) GetInstallation(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	a, err := h.svc.AppointmentForOrder(c.Request().Context(), orderID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Book(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	a, err := h.svc.Book(ctx, BookRequest{
		OrderID: orderID,
		Date:    req.Date,
		Slot:    req.Slot,
		Notes:   req.Notes,
		Actor:   auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, bookResponse{
		AppointmentID: a.ID,
		Appointment:   a,
		Message:       "installation booked for " + a.Schedule().String(),
	})
}

func (h *Handler) BookWindow(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req windowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	a, err := h.svc.BookWindow(ctx, WindowRequest{
		OrderID:         orderID,
		Date:            req.Date,
		Start:           req.Start,
		DurationMinutes: req.DurationMinutes,
		Notes:           req.Notes,
		Actor:           auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, bookResponse{
		AppointmentID: a.ID,
		Appointment:   a,
		Message:       "installation booked for " + a.Schedule().String(),
	})
}

func (h *Handler) Reschedule(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := h.svc.Reschedule(ctx, RescheduleRequest{
		OrderID: orderID,
		Date:    req.Date,
		Slot:    req.Slot,
		Reason:  req.Reason,
		Actor:   auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CancelForOrder(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := h.svc.Cancel(ctx, CancelRequest{
		OrderID: orderID,
		Mode:    req.Mode,
		Reason:  req.Reason,
		Actor:   auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	mode := CancelMode(c.QueryParam("mode"))
	if mode == "" {
		mode = CancelDelete
	}
	ctx := c.Request().Context()
	res, err := h.svc.Cancel(ctx, CancelRequest{
		AppointmentID: id,
		Mode:          mode,
		Reason:        c.QueryParam("reason"),
		Actor:         auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) MarkInstalled(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order id")
	}
	ctx := c.Request().Context()
	a, err := h.svc.MarkInstalled(ctx, orderID, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// rangeParams reads from/to, defaulting to a week starting today.
func (h *Handler) rangeParams(c echo.Context) (string, string) {
	from, to := c.QueryParam("from"), c.QueryParam("to")
	if from == "" {
		from = h.svc.Slots().Today()
	}
	if to == "" {
		if start, ok := parseDate(from); ok {
			to = start.AddDate(0, 0, defaultWindowDays-1).Format(DateLayout)
		} else {
			to = from
		}
	}
	return from, to
}

func httpError(err error) error {
	var se *Error
	if !errors.As(err, &se) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	body := map[string]interface{}{
		"code":    se.Code,
		"kind":    se.Kind(),
		"message": se.Message,
	}
	if len(se.Conflicts) > 0 {
		body["conflicts"] = se.Conflicts
	}
	if se.Code == CodePartialFailure {
		body["completed"] = se.Completed
		body["failed"] = se.Failed
	}
	if se.RollbackFailed {
		body["rollback_failed"] = true
	}
	return echo.NewHTTPError(se.HTTPStatus(), body)
}

