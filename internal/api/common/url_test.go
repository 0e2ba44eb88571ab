package common

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveParam routes path through a chi pattern and returns the handler's result
func serveParam(t *testing.T, path string, fn func(r *http.Request)) {
	t.Helper()
	router := chi.NewRouter()
	called := false
	router.Get("/runs/{run_id}", func(_ http.ResponseWriter, r *http.Request) {
		called = true
		fn(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	require.True(t, called, "route did not match %s", path)
}

func TestGetAndValidateURLParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		want       string
		wantErrMsg string
	}{
		{name: "plain", path: "/runs/abc", want: "abc"},
		{name: "encoded", path: "/runs/a%2Fb", want: "a/b"},
		{name: "encoded whitespace", path: "/runs/a%20b", wantErrMsg: "cannot contain whitespace"},
		{name: "only whitespace", path: "/runs/%20%20", wantErrMsg: "cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			serveParam(t, tt.path, func(r *http.Request) {
				got, err := GetAndValidateURLParam(r, "run_id")
				if tt.wantErrMsg != "" {
					require.Error(t, err)
					assert.Contains(t, err.Error(), tt.wantErrMsg)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		})
	}
}

func TestGetUUIDParam(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	serveParam(t, "/runs/"+id.String(), func(r *http.Request) {
		got, err := GetUUIDParam(r, "run_id")
		require.NoError(t, err)
		assert.Equal(t, id, got)
	})

	serveParam(t, "/runs/not-a-uuid", func(r *http.Request) {
		_, err := GetUUIDParam(r, "run_id")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be a UUID")
	})
}

func TestGetLimitParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		query   string
		want    int
		wantErr bool
	}{
		{name: "default", query: "", want: 20},
		{name: "explicit", query: "?limit=5", want: 5},
		{name: "capped", query: "?limit=1000", want: 100},
		{name: "zero", query: "?limit=0", wantErr: true},
		{name: "not a number", query: "?limit=ten", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/runs"+tt.query, nil)
			got, err := GetLimitParam(r, 20, 100)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
