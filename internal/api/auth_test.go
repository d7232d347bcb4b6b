package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"drtdispatch/internal/auth"
	"drtdispatch/internal/dispatch"
	"drtdispatch/internal/metrics"
	"drtdispatch/internal/model"
	"drtdispatch/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func doAs(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func signed(t *testing.T, tenant, role string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant": tenant, "role": role}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func bearer(tok string) map[string]string { return map[string]string{"Authorization": "Bearer " + tok} }

func TestDevMode_HeadersAndRoles(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rr := doAs(t, h, http.MethodPost, "/v1/vehicles", fleetBody, map[string]string{"X-Tenant-Id": "t_a"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doAs(t, h, http.MethodGet, "/v1/vehicles/v1", "", map[string]string{"X-Tenant-Id": "t_b"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	asUser := map[string]string{"X-Tenant-Id": "t_a", "X-Role": "user"}
	assert.Equal(t, http.StatusOK, doAs(t, h, http.MethodGet, "/v1/vehicles/v1", "", asUser).Code)
	assert.Equal(t, http.StatusForbidden, doAs(t, h, http.MethodPost, "/v1/dispatch", candidatesBody, asUser).Code)
	assert.Equal(t, http.StatusForbidden, doAs(t, h, http.MethodDelete, "/v1/vehicles/v1", "", asUser).Code)

	asDispatcher := map[string]string{"X-Tenant-Id": "t_a", "X-Role": "dispatcher"}
	assert.Equal(t, http.StatusForbidden, doAs(t, h, http.MethodGet, "/v1/notifications", "", asDispatcher).Code)
	assert.Equal(t, http.StatusForbidden, doAs(t, h, http.MethodPost, "/v1/notifications/x/retry", "", asDispatcher).Code)
	assert.Equal(t, http.StatusCreated, doAs(t, h, http.MethodPost, "/v1/dispatch", candidatesBody, asDispatcher).Code)
}

func TestTokenMode_TenantFromClaims(t *testing.T) {
	s := newTestServer(t)
	v, err := auth.NewVerifier(auth.Config{Mode: auth.ModeHMAC, HMACSecret: testSecret})
	require.NoError(t, err)
	s.Auth = v
	h := s.Handler()

	rr := doAs(t, h, http.MethodGet, "/v1/vehicles", "", map[string]string{"X-Tenant-Id": "t_a", "X-Role": "admin"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")

	rr = doAs(t, h, http.MethodGet, "/v1/vehicles", "", bearer("t_a:admin"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "dev tokens are refused")

	// ops endpoints stay open
	assert.Equal(t, http.StatusOK, doAs(t, h, http.MethodGet, "/healthz", "", nil).Code)

	dispatcher := bearer(signed(t, "t_jwt", "dispatcher"))
	dispatcher["X-Tenant-Id"] = "t_spoofed"
	rr = doAs(t, h, http.MethodPost, "/v1/vehicles", fleetBody, dispatcher)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = doAs(t, h, http.MethodPost, "/v1/dispatch", candidatesBody, dispatcher)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var d model.Decision
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, "t_jwt", d.TenantID)

	_, err = s.Store.GetVehicle(context.Background(), "t_spoofed", "v1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, http.StatusForbidden, doAs(t, h, http.MethodGet, "/v1/notifications", "", dispatcher).Code)
	admin := bearer(signed(t, "t_jwt", "admin"))
	assert.Equal(t, http.StatusOK, doAs(t, h, http.MethodGet, "/v1/notifications", "", admin).Code)

	rr = doAs(t, h, http.MethodGet, "/v1/vehicles/v1?access_token="+signed(t, "t_jwt", "user"), "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthenticate_KeepsRoutePatternForMetrics(t *testing.T) {
	h := newTestServer(t).Handler()
	c := metrics.HTTPRequests.WithLabelValues(http.MethodGet, "GET /v1/vehicles", "200")
	before := testutil.ToFloat64(c)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/vehicles", "").Code)
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestDispatch_NoDetourServiceIsUnavailable(t *testing.T) {
	st := store.NewMemory()
	svc := dispatch.NewService(dispatch.New(nil), st, st, nil)
	h := (&Server{Store: st, Dispatch: svc, Broker: NewBroker()}).Handler()
	seed(t, h)

	rr := do(t, h, http.MethodPost, "/v1/dispatch", `{"request":{"id":"r3","latestStartTime":10,"latestArrivalTime":20}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, rr.Body.String())
}
