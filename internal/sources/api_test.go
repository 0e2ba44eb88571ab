package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-ingest/internal/httpclient"
)

// pagedServer serves total records in pages, following the offset/limit contract
func pagedServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		var items []string
		for i := offset; i < offset+limit && i < total; i++ {
			items = append(items, fmt.Sprintf(`{"id":"r%d"}`, i))
		}
		next := "null"
		if offset+limit < total {
			next = strconv.Itoa(offset + limit)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"data":{"items":[%s]},"next":%s}`, strings.Join(items, ","), next)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAPIAdapter(t *testing.T, endpoint string, pageSize int) *apiAdapter {
	t.Helper()
	u, err := url.Parse(endpoint)
	require.NoError(t, err)
	return &apiAdapter{
		base:      base{name: "api"},
		client:    httpclient.NewDefaultClient(0),
		endpoint:  u,
		pageSize:  pageSize,
		itemsPath: "data.items",
		nextPath:  "next",
	}
}

func TestAPIAdapterFetch(t *testing.T) {
	t.Parallel()

	srv := pagedServer(t, 5)
	a := newTestAPIAdapter(t, srv.URL+"/records?tenant=a", 2)

	raw, err := a.Fetch(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, raw.Items, 2)
	assert.Equal(t, `{"id":"r0"}`, string(raw.Items[0].Data))
	assert.Equal(t, int64(1), raw.Items[1].Position)
	assert.Equal(t, int64(2), raw.Next)
	assert.True(t, raw.More)

	raw, err = a.Fetch(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, raw.Items, 1)
	assert.Equal(t, int64(4), raw.Items[0].Position)
	assert.Equal(t, int64(5), raw.Next)
	assert.False(t, raw.More)
}

func TestAPIAdapterDecodePage(t *testing.T) {
	t.Parallel()

	a := newTestAPIAdapter(t, "http://localhost", 10)

	tests := []struct {
		name     string
		body     string
		wantErr  string
		wantNext int64
		wantMore bool
	}{
		{name: "missing next", body: `{"data":{"items":[{"id":1}]}}`, wantNext: 11, wantMore: false},
		{name: "null next", body: `{"data":{"items":[]},"next":null}`, wantNext: 10, wantMore: false},
		{name: "explicit next", body: `{"data":{"items":[{"id":1}]},"next":20}`, wantNext: 20, wantMore: true},
		{name: "next goes backwards", body: `{"data":{"items":[]},"next":5}`, wantErr: "points back"},
		{name: "no items array", body: `{"data":{}}`, wantErr: "no \"data.items\" array"},
		{name: "invalid json", body: `{"data":`, wantErr: "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := a.decodePage(10, []byte(tt.body))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNext, raw.Next)
			assert.Equal(t, tt.wantMore, raw.More)
		})
	}
}

func TestAPIAdapterHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	a := newTestAPIAdapter(t, srv.URL, 10)
	_, err := a.Fetch(context.Background(), 0)
	require.Error(t, err)

	var httpErr *httpclient.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
}
