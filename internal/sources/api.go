package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/stacklok/toolhive-ingest/internal/httpclient"
)

// apiAdapter pages through an HTTP JSON endpoint. Each request carries
// offset and limit query parameters; the cursor is the offset.
type apiAdapter struct {
	base
	client    httpclient.Client
	endpoint  *url.URL
	pageSize  int
	itemsPath string
	nextPath  string
	limiter   *rate.Limiter
}

// Fetch requests one page starting at offset from
func (a *apiAdapter) Fetch(ctx context.Context, from int64) (*Raw, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	pageURL := *a.endpoint
	q := pageURL.Query()
	q.Set("offset", strconv.FormatInt(from, 10))
	q.Set("limit", strconv.Itoa(a.pageSize))
	pageURL.RawQuery = q.Encode()

	body, err := a.client.Get(ctx, pageURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page at offset %d: %w", from, err)
	}
	return a.decodePage(from, body)
}

func (a *apiAdapter) decodePage(from int64, body []byte) (*Raw, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("page at offset %d is not valid JSON", from)
	}

	items := gjson.GetBytes(body, a.itemsPath)
	if !items.IsArray() {
		return nil, fmt.Errorf("page at offset %d has no %q array", from, a.itemsPath)
	}

	raw := &Raw{}
	for i, item := range items.Array() {
		raw.Items = append(raw.Items, Item{Position: from + int64(i), Data: []byte(item.Raw)})
	}
	raw.Next = from + int64(len(raw.Items))

	next := gjson.GetBytes(body, a.nextPath)
	if next.Exists() && next.Type != gjson.Null {
		n := next.Int()
		if n <= from {
			return nil, fmt.Errorf("page at offset %d points back to offset %d", from, n)
		}
		raw.Next = n
		raw.More = true
	}
	return raw, nil
}
