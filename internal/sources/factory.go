package sources

import (
	"fmt"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/stacklok/toolhive-ingest/internal/config"
	"github.com/stacklok/toolhive-ingest/internal/httpclient"
)

// FactoryOption customises adapter construction
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	httpClient httpclient.Client
}

// WithHTTPClient makes API adapters use client instead of a per-source default client
func WithHTTPClient(client httpclient.Client) FactoryOption {
	return func(o *factoryOptions) {
		o.httpClient = client
	}
}

// NewAdapters builds one adapter per configured source, in declaration order
func NewAdapters(sources []config.SourceConfig, writer Writer, opts ...FactoryOption) ([]Adapter, error) {
	adapters := make([]Adapter, 0, len(sources))
	for i := range sources {
		adapter, err := NewAdapter(&sources[i], writer, opts...)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

// NewAdapter builds the adapter variant matching the source type
func NewAdapter(src *config.SourceConfig, writer Writer, opts ...FactoryOption) (Adapter, error) {
	if writer == nil {
		return nil, fmt.Errorf("source %s: record writer is required", src.Name)
	}

	o := &factoryOptions{}
	for _, opt := range opts {
		opt(o)
	}

	b := base{
		name:       src.Name,
		priority:   src.Priority,
		namespaces: src.Namespaces,
		writer:     writer,
	}
	if src.SchemaPath != "" {
		schema, err := LoadRecordSchema(src.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		b.schema = schema
	}

	switch src.Type {
	case config.SourceTypeFile:
		if src.File == nil || src.File.Path == "" {
			return nil, fmt.Errorf("source %s: file path is required", src.Name)
		}
		pageSize := src.File.PageSize
		if pageSize <= 0 {
			pageSize = config.DefaultFilePageSize
		}
		return &fileAdapter{base: b, path: src.File.Path, pageSize: pageSize}, nil

	case config.SourceTypeAPI:
		if src.API == nil || src.API.Endpoint == "" {
			return nil, fmt.Errorf("source %s: api endpoint is required", src.Name)
		}
		endpoint, err := url.Parse(src.API.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("source %s: invalid endpoint: %w", src.Name, err)
		}

		client := o.httpClient
		if client == nil {
			client = httpclient.NewDefaultClient(src.API.GetTimeout())
		}

		a := &apiAdapter{
			base:      b,
			client:    client,
			endpoint:  endpoint,
			pageSize:  valueOr(src.API.PageSize, config.DefaultAPIPageSize),
			itemsPath: stringOr(src.API.ItemsPath, config.DefaultItemsPath),
			nextPath:  stringOr(src.API.NextPath, config.DefaultNextPath),
		}
		if src.API.RequestsPerSecond > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(src.API.RequestsPerSecond), 1)
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unsupported source type: %s", src.Type)
	}
}

func valueOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
