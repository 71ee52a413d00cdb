package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rentaltrack/internal/config"
	"rentaltrack/internal/core"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRouter mounts registrars behind the full middleware chain so tests
// see the same 404/405 and error rendering as production.
func newTestRouter(t *testing.T, registrars ...core.RouteRegistrar) http.Handler {
	t.Helper()
	srv, err := core.NewServer(&config.Config{
		Environment: "local",
		Server: config.ServerConfig{
			DashboardURL:   "https://app.example.com",
			RequestTimeout: 5 * time.Second,
		},
	}, discardLogger())
	require.NoError(t, err)

	srv.Registrars = registrars
	srv.MountRoutes()
	return srv.Handler()
}

func postJSON(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error.Code
}
