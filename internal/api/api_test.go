package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/applicenseserver/licenseserver/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	cfg := config.Defaults()
	cfg.DDoSProtection.Enabled = true
	a := New(store.NewMemory(), cfg, testLogger(), "test")
	return a, a.Handler()
}

func call(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestRegistryFromRouteTable(t *testing.T) {
	a, _ := newTestAPI(t)
	assert.Equal(t, []string{
		"GET info",
		"GET license/get/bylicensenumber",
		"GET license/get/bylicensenumber/active",
		"POST license",
		"POST telemetry",
	}, a.Registry().Entries())

	assert.True(t, a.Registry().Matches("GET license/get/bylicensenumber/abc"))
	assert.False(t, a.Registry().Matches("GET license/getall"))
	assert.False(t, a.Registry().Matches("PUT license/update/1"))
}

func TestLicenseLifecycle(t *testing.T) {
	_, h := newTestAPI(t)

	rr := call(t, h, http.MethodPost, "/api/license/create/newlicense", store.License{UserID: "u1", ProductID: "p1", IsActive: true})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[store.License](t, rr)
	assert.NotEmpty(t, created.ID)
	assert.Len(t, created.LicenseNumber, 36)
	assert.Equal(t, "/api/license/get/byid/"+created.ID, rr.Header().Get("Location"))

	t.Run("get by id", func(t *testing.T) {
		rr := call(t, h, http.MethodGet, "/api/license/get/byid/"+created.ID, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, created.LicenseNumber, decode[store.License](t, rr).LicenseNumber)
	})

	t.Run("get by license number", func(t *testing.T) {
		rr := call(t, h, http.MethodGet, "/api/license/get/bylicensenumber/"+created.LicenseNumber, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, created.ID, decode[store.License](t, rr).ID)

		rr = call(t, h, http.MethodGet, "/api/license/get/bylicensenumber/active/"+created.LicenseNumber, nil)
		require.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("get by user id", func(t *testing.T) {
		rr := call(t, h, http.MethodGet, "/api/license/get/byuserid/u1", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode[[]store.License](t, rr), 1)
	})

	t.Run("versioned and mixed-case paths", func(t *testing.T) {
		rr := call(t, h, http.MethodGet, "/api/v1/license/get/byid/"+created.ID, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		rr = call(t, h, http.MethodGet, "/API/License/GetAll", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("update", func(t *testing.T) {
		rr := call(t, h, http.MethodPut, "/api/license/update/"+created.ID, store.License{LicenseNumber: created.LicenseNumber, IsActive: false})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.False(t, decode[store.License](t, rr).IsActive)

		rr = call(t, h, http.MethodGet, "/api/license/get/bylicensenumber/active/"+created.LicenseNumber, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("update with mismatched id", func(t *testing.T) {
		rr := call(t, h, http.MethodPut, "/api/license/update/"+created.ID, store.License{Base: store.Base{ID: "other"}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rr := call(t, h, http.MethodDelete, "/api/license/delete/byid/"+created.ID, nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		rr = call(t, h, http.MethodGet, "/api/license/get/byid/"+created.ID, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestMixedCaseIDs(t *testing.T) {
	_, h := newTestAPI(t)

	rr := call(t, h, http.MethodPost, "/api/account/create/newaccount", store.Account{Base: store.Base{ID: "ACC-1"}, Name: "Acme"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	location := rr.Header().Get("Location")
	assert.Equal(t, "/api/account/get/byid/acc-1", location)

	rr = call(t, h, http.MethodGet, location, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Acme", decode[store.Account](t, rr).Name)

	rr = call(t, h, http.MethodGet, "/api/account/get/byid/ACC-1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(t, h, http.MethodPut, "/api/account/update/ACC-1", store.Account{Base: store.Base{ID: "ACC-1"}, Name: "Acme Corp"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Acme Corp", decode[store.Account](t, rr).Name)

	rr = call(t, h, http.MethodDelete, "/api/account/delete/ACC-1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, location, nil).Code)
}

func TestDeleteByLicenseNumber(t *testing.T) {
	_, h := newTestAPI(t)
	rr := call(t, h, http.MethodPost, "/api/license/create/newlicense", store.License{LicenseNumber: "abc-1"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = call(t, h, http.MethodDelete, "/api/license/delete/bylicensenumber/abc-1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = call(t, h, http.MethodDelete, "/api/license/delete/bylicensenumber/abc-1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQueryRoutes(t *testing.T) {
	_, h := newTestAPI(t)

	require.Equal(t, http.StatusCreated, call(t, h, http.MethodPost, "/api/account/create/newaccount", store.Account{Name: "Acme", Email: "ops@acme.test", IsActive: true}).Code)
	require.Equal(t, http.StatusCreated, call(t, h, http.MethodPost, "/api/user/create/newuser", store.User{FirstName: "Ada", LastName: "Lovelace", UserName: "ada", IsActive: true}).Code)
	require.Equal(t, http.StatusCreated, call(t, h, http.MethodPost, "/api/product/create/newproduct", store.Product{Name: "Widget", Version: "1.0"}).Code)
	require.Equal(t, http.StatusCreated, call(t, h, http.MethodPost, "/api/telemetry/create/newtelemetry", store.Telemetry{IP: "10.0.0.9", LicenseID: "l1"}).Code)

	tests := []struct {
		path string
		code int
	}{
		{"/api/account/get/activebyname/acme", http.StatusOK},
		{"/api/account/get/activebyemail/OPS@acme.test", http.StatusOK},
		{"/api/account/get/activebyname/nobody", http.StatusNotFound},
		{"/api/account/get/byname/acme", http.StatusOK},
		{"/api/user/get/byusername/ada", http.StatusOK},
		{"/api/user/getactive/byusername/ada", http.StatusOK},
		{"/api/user/get/byname/ada/lovelace", http.StatusOK},
		{"/api/product/get/byname/widget", http.StatusOK},
		{"/api/telemetry/get/byip/10.0.0.9", http.StatusOK},
		{"/api/telemetry/get/bylicenseid/l1", http.StatusOK},
		{"/api/product/getall", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := call(t, h, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}

	rr := call(t, h, http.MethodGet, "/api/telemetry/get/byip/10.0.0.9", nil)
	items := decode[[]store.Telemetry](t, rr)
	require.Len(t, items, 1)
	assert.Equal(t, "l1", items[0].LicenseID)
}

func TestErrors(t *testing.T) {
	_, h := newTestAPI(t)

	t.Run("invalid json", func(t *testing.T) {
		rr := call(t, h, http.MethodPost, "/api/product/create/newproduct", "{oops")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_body", decode[map[string]string](t, rr)["error"])
	})

	t.Run("unknown id", func(t *testing.T) {
		rr := call(t, h, http.MethodGet, "/api/user/get/byid/missing", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		rr = call(t, h, http.MethodDelete, "/api/user/delete/missing", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		rr = call(t, h, http.MethodPut, "/api/account/update/missing", store.Account{})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rr := call(t, h, http.MethodGet, "/api/randomthing", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	})

	t.Run("wrong method", func(t *testing.T) {
		rr := call(t, h, http.MethodPost, "/api/license/getall", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestInfoPage(t *testing.T) {
	_, h := newTestAPI(t)

	for _, path := range []string{"/api/info", "/api/v2/info"} {
		rr := call(t, h, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))

		body := rr.Body.String()
		assert.Contains(t, body, "licenseserver test")
		assert.Contains(t, body, "DDoS attack protection: true")
		assert.Contains(t, body, "<li>POST telemetry</li>")
		assert.Contains(t, body, "GET /license/get/byid/{id}")
	}
}
