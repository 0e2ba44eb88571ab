package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/stacklok/toolhive-ingest/internal/status"
	"github.com/stacklok/toolhive-ingest/internal/sync/state"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

func checkFormat(format string) error {
	switch format {
	case formatTable, formatJSON:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (use table or json)", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderRun(w io.Writer, format string, run *status.PipelineRun) error {
	if err := checkFormat(format); err != nil {
		return err
	}
	if format == formatJSON {
		return writeJSON(w, run)
	}

	if _, err := fmt.Fprintf(w, "Run %s %s (%s)\n", run.ID, run.Status, run.Trigger); err != nil {
		return err
	}
	if run.Error != "" {
		if _, err := fmt.Fprintf(w, "Error: %s\n", run.Error); err != nil {
			return err
		}
	}

	table := tablewriter.NewWriter(w)
	table.Header("Source", "Status", "Committed", "Start", "End", "Error")
	for _, src := range run.Sources {
		if err := table.Append([]string{
			src.Source,
			string(src.Status),
			strconv.FormatInt(src.Committed, 10),
			strconv.FormatInt(src.StartCursor, 10),
			strconv.FormatInt(src.EndCursor, 10),
			src.Error,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderRuns(w io.Writer, format string, runs []*status.PipelineRun) error {
	if err := checkFormat(format); err != nil {
		return err
	}
	if format == formatJSON {
		return writeJSON(w, runs)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Run", "Status", "Trigger", "Started", "Duration", "Committed")
	for _, run := range runs {
		var committed int64
		for _, src := range run.Sources {
			committed += src.Committed
		}
		duration := "-"
		if run.EndedAt != nil {
			duration = run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		if err := table.Append([]string{
			run.ID.String(),
			string(run.Status),
			string(run.Trigger),
			run.StartedAt.Format(time.RFC3339),
			duration,
			strconv.FormatInt(committed, 10),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderCheckpoints(w io.Writer, format string, checkpoints []*state.Checkpoint) error {
	if err := checkFormat(format); err != nil {
		return err
	}
	if format == formatJSON {
		return writeJSON(w, checkpoints)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Source", "Cursor", "Status", "Updated", "Message")
	for _, cp := range checkpoints {
		updated := "-"
		if !cp.UpdatedAt.IsZero() {
			updated = cp.UpdatedAt.Format(time.RFC3339)
		}
		if err := table.Append([]string{
			cp.Source,
			strconv.FormatInt(cp.Cursor, 10),
			string(cp.Status),
			updated,
			cp.Message,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
