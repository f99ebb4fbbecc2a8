package order

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/storefront/installsched/internal/platform/auth"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _, _, _ := newTestService()
	return NewHandler(svc), svc, echo.New()
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestHandler_CreateOrder(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"order_number":"ORD-1","customer_name":"Jane Doe","status":"confirmed"}`), rec)

	if err := h.CreateOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var o Order
	if err := json.Unmarshal(rec.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.Status != StatusConfirmed || o.Number != "ORD-1" {
		t.Errorf("unexpected order: %+v", o)
	}
}

func TestHandler_CreateOrder_BadRequest(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodPost, `{}`), httptest.NewRecorder())
	expectHTTPError(t, h.CreateOrder(c), http.StatusBadRequest)
}

func TestHandler_GetOrder(t *testing.T) {
	h, svc, e := newTestHandler()
	o := createOrder(t, svc, "ORD-1", StatusNew)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())

	if err := h.GetOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetOrder_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPError(t, h.GetOrder(c), http.StatusNotFound)
}

func TestHandler_GetOrder_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPError(t, h.GetOrder(c), http.StatusBadRequest)
}

func TestHandler_ListOrders(t *testing.T) {
	h, svc, e := newTestHandler()
	createOrder(t, svc, "ORD-1", StatusNew)
	createOrder(t, svc, "ORD-2", StatusConfirmed)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?status=confirmed&limit=10", nil), rec)
	if err := h.ListOrders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || body.Limit != 10 {
		t.Errorf("expected total=1 limit=10, got %+v", body)
	}
}

func TestHandler_ListOrders_BadLimit(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?limit=lots", nil), httptest.NewRecorder())
	err := h.ListOrders(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_ChangeStatus(t *testing.T) {
	h, svc, e := newTestHandler()
	o := createOrder(t, svc, "ORD-1", StatusNew)

	req := jsonRequest(http.MethodPatch, `{"status":"confirmed","notes":"called customer"}`)
	req = req.WithContext(auth.WithUser(req.Context(), "op-7", []string{auth.RoleOperator}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())

	if err := h.ChangeStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, _, _ := svc.History(context.Background(), o.ID, 20, 0)
	if len(entries) != 1 || entries[0].ChangedBy != "op-7" {
		t.Errorf("expected history entry by op-7, got %+v", entries)
	}
}

func TestHandler_ChangeStatus_InvalidTransition(t *testing.T) {
	h, svc, e := newTestHandler()
	o := createOrder(t, svc, "ORD-1", StatusConfirmed)

	c := e.NewContext(jsonRequest(http.MethodPatch, `{"status":"installed"}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())
	expectHTTPError(t, h.ChangeStatus(c), http.StatusUnprocessableEntity)
}

func TestHttpError_PartialFailure(t *testing.T) {
	err := httpError(&PartialFailureError{
		Message:   "slot released, status not updated",
		Completed: []string{StepSlotReleased},
		Failed:    []string{StepOrderStatusUpdate},
	})
	expectHTTPError(t, err, http.StatusMultiStatus)
	body, ok := err.(*echo.HTTPError).Message.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a structured body, got %T", err.(*echo.HTTPError).Message)
	}
	if body["code"] != "PartialFailure" {
		t.Errorf("expected code PartialFailure, got %v", body["code"])
	}
}

func TestHandler_GetHistory(t *testing.T) {
	h, svc, e := newTestHandler()
	o := createOrder(t, svc, "ORD-1", StatusNew)
	_, _ = svc.ChangeStatus(context.Background(), o.ID, StatusConfirmed, "op-1", "")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())
	if err := h.GetHistory(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"new_status":"confirmed"`) {
		t.Errorf("expected history entry in body, got %s", rec.Body.String())
	}
}
