package modules

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/workflow"
)

// addDataValueExecutor writes one column of the working data row. A repeated
// column commits the row first, so scrape loops that write the same columns
// every pass produce one row per pass without an explicit commit.
type addDataValueExecutor struct{}

func (addDataValueExecutor) Type() workflow.ModuleType { return "add_data_value" }

func (addDataValueExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	column, err := strCfg(rc, node, "column")
	if err != nil {
		return engine.Fail("add_data_value: %v", err)
	}
	if column == "" {
		return engine.Fail("add_data_value: missing column name")
	}
	value, err := anyCfg(rc, node, "value")
	if err != nil {
		return engine.Fail("add_data_value: %v", err)
	}
	rc.AddDataValue(column, value)
	return engine.OK("added " + column)
}

type commitRowExecutor struct{}

func (commitRowExecutor) Type() workflow.ModuleType { return "commit_row" }

func (commitRowExecutor) Execute(_ context.Context, rc *engine.ExecContext, _ *workflow.Node) engine.Result {
	rc.CommitRow()
	return engine.OK(fmt.Sprintf("rows: %d", len(rc.DataRows)))
}

// exportLogsExecutor writes the context's log to a file as JSON lines or
// CSV.
type exportLogsExecutor struct{}

func (exportLogsExecutor) Type() workflow.ModuleType { return "export_logs" }

func (exportLogsExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	path, err := strCfg(rc, node, "path")
	if err != nil {
		return engine.Fail("export_logs: %v", err)
	}
	if path == "" {
		return engine.Fail("export_logs: missing path")
	}
	format, _ := node.Config["format"].(string)
	if format == "" {
		format = "jsonl"
	}

	f, err := os.Create(path)
	if err != nil {
		return engine.Fail("export_logs: %v", err)
	}
	defer f.Close()

	switch format {
	case "jsonl":
		enc := json.NewEncoder(f)
		for _, entry := range rc.Logs {
			if err := enc.Encode(entry); err != nil {
				return engine.Fail("export_logs: %v", err)
			}
		}
	case "csv":
		w := csv.NewWriter(f)
		_ = w.Write([]string{"timestamp", "level", "node_id", "duration_ms", "message"})
		for _, entry := range rc.Logs {
			_ = w.Write([]string{
				entry.Timestamp.Format("2006-01-02T15:04:05.000"),
				entry.Level,
				entry.NodeID,
				fmt.Sprintf("%d", entry.DurationMs),
				entry.Message,
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return engine.Fail("export_logs: %v", err)
		}
	default:
		return engine.Fail("export_logs: unknown format %q", format)
	}

	return engine.OK(fmt.Sprintf("exported %d entries to %s", len(rc.Logs), path))
}

// exportDataExecutor writes the collected data rows to a file. CSV output
// uses the sorted union of column names as the header; rows missing a column
// get an empty cell.
type exportDataExecutor struct{}

func (exportDataExecutor) Type() workflow.ModuleType { return "export_data" }

func (exportDataExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	path, err := strCfg(rc, node, "path")
	if err != nil {
		return engine.Fail("export_data: %v", err)
	}
	if path == "" {
		return engine.Fail("export_data: missing path")
	}
	format, _ := node.Config["format"].(string)
	if format == "" {
		format = "csv"
	}

	// An uncommitted working row still counts.
	rows := rc.DataRows
	if len(rc.CurrentRow()) > 0 {
		rc.CommitRow()
		rows = rc.DataRows
	}

	f, err := os.Create(path)
	if err != nil {
		return engine.Fail("export_data: %v", err)
	}
	defer f.Close()

	switch format {
	case "csv":
		columns := dataColumns(rows)
		w := csv.NewWriter(f)
		_ = w.Write(columns)
		record := make([]string, len(columns))
		for _, row := range rows {
			for i, col := range columns {
				if v, ok := row[col]; ok {
					record[i] = fmt.Sprintf("%v", v)
				} else {
					record[i] = ""
				}
			}
			_ = w.Write(record)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return engine.Fail("export_data: %v", err)
		}
	case "jsonl":
		enc := json.NewEncoder(f)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return engine.Fail("export_data: %v", err)
			}
		}
	default:
		return engine.Fail("export_data: unknown format %q", format)
	}

	return engine.OK(fmt.Sprintf("exported %d rows to %s", len(rows), path))
}

// dataColumns returns the sorted union of column names across the given
// rows.
func dataColumns(rows []map[string]any) []string {
	seen := map[string]struct{}{}
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
