package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"order-workflow/internal/models"
	"order-workflow/internal/service"
	"order-workflow/internal/store"
	"order-workflow/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type nopSink struct{}

func (nopSink) Publish(context.Context, []models.Intent) error { return nil }

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	router *gin.Engine
	orders *service.OrderService
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	t.Helper()

	st := store.NewMemoryStore()
	registry := service.NewRegistryService(st, st)
	orders := service.NewOrderService(st, registry, nopSink{}, service.NewLocalLocker(),
		service.WithDispatchRetries(0, 0))
	sweeper := service.NewSweeper(st, st, orders, 2)

	authz, err := NewAuthorizer()
	require.NoError(t, err)

	if checks == nil {
		checks = map[string]Pinger{"store": st}
	}

	router := gin.New()
	NewHandler(orders, registry, sweeper, authz, checks).SetupRoutes(router, []string{"http://localhost:3000"})
	return &testServer{router: router, orders: orders}
}

func (s *testServer) do(t *testing.T, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set(headerUserID, role+"-1")
		req.Header.Set(headerRole, role)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) createStatus(t *testing.T, body map[string]any) models.Status {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/projects/1/statuses", RoleAdmin, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Status](t, w)
}

func (s *testServer) createOrder(t *testing.T) models.Order {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/projects/1/orders", RoleOperator, map[string]any{
		"customer_name":  "Иван",
		"customer_phone": "+79990000000",
		"items":          []map[string]any{{"product_id": 10, "quantity": 2, "price": "1000.25"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[struct {
		Order models.Order `json:"order"`
	}](t, w).Order
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", "", nil).Code)

	down := newTestServer(t, map[string]Pinger{"redis": failingPinger{}})
	w := down.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestIdentity(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/v1/groups", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/groups", nil)
	req.Header.Set(headerUserID, "system")
	req.Header.Set(headerRole, RoleAdmin)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRolePermissions(t *testing.T) {
	s := newTestServer(t, nil)

	cases := []struct {
		role   string
		method string
		path   string
		want   int
	}{
		{RoleWebmaster, http.MethodGet, "/api/v1/groups", http.StatusOK},
		{RoleWebmaster, http.MethodGet, "/api/v1/projects/1/statuses", http.StatusForbidden},
		{RoleOperator, http.MethodGet, "/api/v1/projects/1/statuses", http.StatusOK},
		{RoleOperator, http.MethodPost, "/api/v1/sweeps", http.StatusForbidden},
		{RoleOperator, http.MethodDelete, "/api/v1/projects/1/statuses/0", http.StatusForbidden},
		{RoleAdmin, http.MethodPost, "/api/v1/sweeps", http.StatusOK},
		{"guest", http.MethodGet, "/api/v1/groups", http.StatusForbidden},
	}
	for _, tc := range cases {
		w := s.do(t, tc.method, tc.path, tc.role, nil)
		assert.Equal(t, tc.want, w.Code, "%s %s %s", tc.role, tc.method, tc.path)
	}
}

func TestListGroups(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/v1/groups", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[struct {
		Groups []models.GroupInfo `json:"groups"`
	}](t, w)
	require.Len(t, body.Groups, 7)
	assert.Equal(t, models.GroupProcessing, body.Groups[0].Key)
}

func TestStatusEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.createOrder(t)

	approved := s.createStatus(t, map[string]any{"name": "Принят", "group": "approved", "warehouse_action": "reserve"})
	spam := s.createStatus(t, map[string]any{"name": "Спам", "group": "spam"})
	assert.Equal(t, 2, spam.SortOrder)

	w := s.do(t, http.MethodPost, "/api/v1/projects/1/statuses", RoleAdmin, map[string]any{
		"name": "", "group": "archive", "timeout_hours": 5,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"name"`)
	assert.Contains(t, w.Body.String(), `"field":"group"`)
	assert.Contains(t, w.Body.String(), `"field":"timeout_target_status_id"`)

	w = s.do(t, http.MethodPatch, "/api/v1/projects/1/statuses/0", RoleAdmin, map[string]any{"name": "Новый"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPatch, "/api/v1/projects/1/statuses/1", RoleAdmin, map[string]any{"hide_from_webmaster": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.Status](t, w).HideFromWebmaster)

	w = s.do(t, http.MethodPost, "/api/v1/projects/1/statuses/2/move", RoleAdmin, map[string]any{"direction": "up"})
	require.Equal(t, http.StatusOK, w.Code)
	statuses := decode[struct {
		Statuses []models.Status `json:"statuses"`
	}](t, w).Statuses
	require.Len(t, statuses, 3)
	assert.Equal(t, spam.ID, statuses[1].ID)
	assert.Equal(t, approved.ID, statuses[2].ID)

	w = s.do(t, http.MethodDelete, "/api/v1/projects/1/statuses/0", RoleAdmin, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/projects/1/statuses/99", RoleAdmin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/projects/1/statuses/abc", RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/projects/1/statuses/2", RoleAdmin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDeleteReferencedStatusConflicts(t *testing.T) {
	s := newTestServer(t, nil)
	approved := s.createStatus(t, map[string]any{"name": "Принят", "group": "approved"})
	order := s.createOrder(t)

	w := s.do(t, http.MethodPost, "/api/v1/orders/"+itoa(order.ID)+"/transitions", RoleOperator,
		map[string]any{"target_status_id": approved.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodDelete, "/api/v1/projects/1/statuses/"+itoa(approved.ID), RoleAdmin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestContainerEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/v1/projects/1/containers", RoleAdmin, map[string]any{"name": "Доставка"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	container := decode[models.StatusContainer](t, w)

	s.createStatus(t, map[string]any{"name": "Отправлен", "group": "shipped", "container_id": container.ID})

	w = s.do(t, http.MethodGet, "/api/v1/projects/1/containers", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	containers := decode[struct {
		Containers []models.StatusContainer `json:"containers"`
	}](t, w).Containers
	require.Len(t, containers, 1)
	assert.Equal(t, 1, containers[0].StatusesCount)

	w = s.do(t, http.MethodPatch, "/api/v1/projects/1/containers/"+itoa(container.ID), RoleAdmin, map[string]any{"name": " "})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/projects/1/containers/"+itoa(container.ID), RoleAdmin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	approved := s.createStatus(t, map[string]any{"name": "Принят", "group": "approved"})
	order := s.createOrder(t)
	assert.Equal(t, "2000.5", order.TotalAmount.String())
	path := "/api/v1/orders/" + itoa(order.ID)

	w := s.do(t, http.MethodPost, path+"/transitions", RoleOperator,
		map[string]any{"target_status_id": approved.ID, "comment": "подтвердил"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[struct {
		Order models.Order        `json:"order"`
		Entry models.HistoryEntry `json:"entry"`
	}](t, w)
	assert.Equal(t, approved.ID, res.Order.StatusID)
	assert.Equal(t, "operator-1", res.Entry.Actor)
	assert.Equal(t, models.HistoryActionStatusChanged, res.Entry.Action)

	w = s.do(t, http.MethodPost, path+"/transitions", RoleOperator,
		map[string]any{"target_status_id": 0, "expected_status_id": 0})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, path+"/transitions", RoleOperator, map[string]any{"target_status_id": 42})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, path+"/comments", RoleOperator, map[string]any{"comment": "перезвонить"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodGet, path+"/history", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[struct {
		History []models.HistoryEntry `json:"history"`
	}](t, w).History
	require.Len(t, history, 3)
	assert.Equal(t, models.HistoryActionCommentAdded, history[2].Action)

	w = s.do(t, http.MethodGet, path+"/history", RoleWebmaster, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/orders/999", RoleOperator, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebmasterDoesNotSeeHiddenOrders(t *testing.T) {
	s := newTestServer(t, nil)
	hidden := s.createStatus(t, map[string]any{"name": "Проверка", "group": "processing", "hide_from_webmaster": true})
	order := s.createOrder(t)
	path := "/api/v1/orders/" + itoa(order.ID)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, RoleWebmaster, nil).Code)

	w := s.do(t, http.MethodPost, path+"/transitions", RoleOperator, map[string]any{"target_status_id": hidden.ID})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, RoleWebmaster, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, RoleOperator, nil).Code)
}

func TestCreateOrderValidation(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/v1/projects/1/orders", RoleOperator, map[string]any{
		"customer_name": "",
		"items":         []map[string]any{{"product_id": 10, "quantity": 0, "price": "10"}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/1/orders", bytes.NewBufferString("{"))
	req.Header.Set(headerUserID, "op")
	req.Header.Set(headerRole, RoleOperator)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMatchKeywords(t *testing.T) {
	s := newTestServer(t, nil)
	s.createStatus(t, map[string]any{"name": "Вручен", "group": "paid", "post_keywords": "вручено, delivered"})

	w := s.do(t, http.MethodPost, "/api/v1/projects/1/statuses/match", RoleOperator,
		map[string]any{"message": "Отправление вручено адресату"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Matched bool           `json:"matched"`
		Status  *models.Status `json:"status"`
	}](t, w)
	assert.True(t, body.Matched)
	require.NotNil(t, body.Status)
	assert.Equal(t, "Вручен", body.Status.Name)
}

func TestRunSweep(t *testing.T) {
	s := newTestServer(t, nil)
	target := s.createStatus(t, map[string]any{"name": "Отменен", "group": "cancelled"})
	s.createStatus(t, map[string]any{
		"name": "Недозвон", "group": "processing", "timeout_hours": 1, "timeout_target_status_id": target.ID,
	})

	w := s.do(t, http.MethodPost, "/api/v1/sweeps", RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[service.SweepReport](t, w)
	assert.Zero(t, report.Transitioned)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/groups", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
