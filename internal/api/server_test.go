package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-ingest/internal/api"
	"github.com/stacklok/toolhive-ingest/internal/api/v1/mocks"
	"github.com/stacklok/toolhive-ingest/internal/pipeline"
	"github.com/stacklok/toolhive-ingest/internal/status"
)

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	server := api.NewServer(mocks.NewMockPipelineService(ctrl))

	req, err := http.NewRequest("GET", "/health", nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
}

func TestReadinessEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		readiness      api.ReadinessFunc
		expectedStatus int
		expectedKey    string
	}{
		{
			name:           "no check configured",
			expectedStatus: http.StatusOK,
			expectedKey:    "status",
		},
		{
			name:           "datastore reachable",
			readiness:      func(context.Context) error { return nil },
			expectedStatus: http.StatusOK,
			expectedKey:    "status",
		},
		{
			name:           "datastore lost",
			readiness:      func(context.Context) error { return fmt.Errorf("datastore connection lost") },
			expectedStatus: http.StatusServiceUnavailable,
			expectedKey:    "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			server := api.NewServer(mocks.NewMockPipelineService(ctrl), api.WithReadiness(tt.readiness))

			rr := httptest.NewRecorder()
			server.ServeHTTP(rr, httptest.NewRequest("GET", "/readiness", nil))

			assert.Equal(t, tt.expectedStatus, rr.Code)
			var response map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
			assert.Contains(t, response, tt.expectedKey)
		})
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	server := api.NewServer(mocks.NewMockPipelineService(ctrl))

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest("GET", "/version", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	for _, key := range []string{"version", "commit", "build_date", "go_version", "platform"} {
		assert.Contains(t, response, key)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	without := api.NewServer(mocks.NewMockPipelineService(ctrl))
	rr := httptest.NewRecorder()
	without.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("thv_ingest_bridge_queued 0\n"))
	})
	with := api.NewServer(mocks.NewMockPipelineService(ctrl), api.WithMetricsHandler(metrics))
	rr = httptest.NewRecorder()
	with.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "thv_ingest_bridge_queued")
}

func TestPipelineRoutesMounted(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockPipelineService(ctrl)
	svc.EXPECT().StartRun(gomock.Any(), status.TriggerManual).Return(nil, pipeline.ErrAlreadyRunning)

	var seen []string
	record := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	server := api.NewServer(svc, api.WithMiddlewares(record, api.LoggingMiddleware))

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest("POST", "/pipeline/trigger", nil))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, []string{"/pipeline/trigger"}, seen)
}
