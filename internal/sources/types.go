package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/stacklok/toolhive-ingest/internal/versions"
)

//go:generate mockgen -destination=mocks/mock_adapter.go -package=mocks github.com/stacklok/toolhive-ingest/internal/sources Adapter

// Adapter is the contract every external source implements
type Adapter interface {
	// Name uniquely identifies the source and keys its checkpoint
	Name() string

	// Priority orders sources within a run; lower values run first
	Priority() int

	// Namespaces lists the cache namespaces made stale when this source commits data
	Namespaces() []string

	// Fetch returns the raw items starting at cursor from
	Fetch(ctx context.Context, from int64) (*Raw, error)

	// Parse converts raw items into records. It must not perform I/O.
	Parse(raw *Raw) ([]Record, error)

	// Persist writes the batch and returns the number of records written
	Persist(ctx context.Context, batch *Batch) (int, error)
}

// Writer stores parsed records for a source
type Writer interface {
	Write(ctx context.Context, source string, records []Record) (int, error)
}

// Item is one undecoded record together with its cursor position
type Item struct {
	Position int64
	Data     []byte
}

// Raw is the result of one Fetch
type Raw struct {
	Items []Item

	// Next is the cursor following the last item examined
	Next int64

	// More reports whether a Fetch from Next may return further items
	More bool
}

// Record is a parsed, persistable unit of source data
type Record struct {
	Key      string          `json:"key"`
	Position int64           `json:"position"`
	Version  string          `json:"version,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Batch is a group of records committed together
type Batch struct {
	Source  string
	Records []Record

	// End is the cursor to store once the batch is committed
	End int64
}

// Dedupe collapses records sharing a key to the one with the newest version.
// Equal versions keep the record seen last. Output is ordered by position.
func Dedupe(records []Record) []Record {
	if len(records) < 2 {
		return records
	}

	winners := make(map[string]int, len(records))
	for i, r := range records {
		j, seen := winners[r.Key]
		if !seen || !versions.IsNewerVersion(records[j].Version, r.Version) {
			winners[r.Key] = i
		}
	}
	if len(winners) == len(records) {
		return records
	}

	out := make([]Record, 0, len(winners))
	for _, i := range winners {
		out = append(out, records[i])
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Position < out[b].Position })
	return out
}

// ParseItems decodes JSON object items into records. The key is read from
// "key" (or "id" when absent) and the version from "version"; the whole
// object becomes the payload. When schema is non-nil every item must satisfy it.
func ParseItems(source string, raw *Raw, schema *RecordSchema) ([]Record, error) {
	if raw == nil {
		return nil, nil
	}

	records := make([]Record, 0, len(raw.Items))
	for _, item := range raw.Items {
		if !gjson.ValidBytes(item.Data) {
			return nil, fmt.Errorf("source %s: invalid JSON at position %d", source, item.Position)
		}
		obj := gjson.ParseBytes(item.Data)
		if !obj.IsObject() {
			return nil, fmt.Errorf("source %s: record at position %d is not a JSON object", source, item.Position)
		}

		key := obj.Get("key")
		if !key.Exists() {
			key = obj.Get("id")
		}
		if !key.Exists() || key.String() == "" {
			return nil, fmt.Errorf("source %s: record at position %d has no key", source, item.Position)
		}

		if schema != nil {
			if err := schema.Validate(item.Data); err != nil {
				return nil, fmt.Errorf("source %s: record at position %d: %w", source, item.Position, err)
			}
		}

		records = append(records, Record{
			Key:      key.String(),
			Position: item.Position,
			Version:  obj.Get("version").String(),
			Payload:  json.RawMessage(item.Data),
		})
	}
	return records, nil
}

// base holds the configuration shared by every adapter variant
type base struct {
	name       string
	priority   int
	namespaces []string
	schema     *RecordSchema
	writer     Writer
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Priority() int {
	return b.priority
}

func (b *base) Namespaces() []string {
	return b.namespaces
}

func (b *base) Parse(raw *Raw) ([]Record, error) {
	return ParseItems(b.name, raw, b.schema)
}

func (b *base) Persist(ctx context.Context, batch *Batch) (int, error) {
	if batch == nil || len(batch.Records) == 0 {
		return 0, nil
	}
	return b.writer.Write(ctx, b.name, Dedupe(batch.Records))
}
