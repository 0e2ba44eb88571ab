package sources

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
)

// maxLineSize bounds a single JSON Lines record
const maxLineSize = 10 * 1024 * 1024

// fileAdapter reads records from a local JSON Lines file. The cursor is the
// zero-based line index; blank lines advance the cursor without producing records.
type fileAdapter struct {
	base
	path     string
	pageSize int
}

// Fetch reads up to pageSize lines starting at line from
func (a *fileAdapter) Fetch(ctx context.Context, from int64) (*Raw, error) {
	// #nosec G304 -- path comes from operator configuration
	f, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file %s: %w", a.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	raw := &Raw{}
	var line int64
	for scanner.Scan() {
		if line < from {
			line++
			continue
		}
		if line-from >= int64(a.pageSize) {
			raw.More = true
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) > 0 {
			data := make([]byte, len(text))
			copy(data, text)
			raw.Items = append(raw.Items, Item{Position: line, Data: data})
		}
		line++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read source file %s: %w", a.path, err)
	}
	if line < from {
		return nil, fmt.Errorf("cursor %d is beyond the end of source file %s (%d lines)", from, a.path, line)
	}

	raw.Next = line
	return raw, nil
}
