package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/caracal-sh/caracal/pkg/ledgerwriter"
)

// LedgerQuery filters authority events out of the ledger for audit review.
type LedgerQuery struct {
	PrincipalID string
	MandateID   string
	Kind        string
	Decision    string
	StartTime   time.Time
	EndTime     time.Time
	Limit       int
}

// QueryLedger scans the ledger and returns the rows matching q, oldest
// first. The scan walks ranges of ids rather than loading the whole table.
func QueryLedger(ctx context.Context, store ledgerwriter.Store, q LedgerQuery) ([]ledgerwriter.Event, error) {
	last, err := store.LastEventID(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: ledger head read failed: %w", err)
	}

	const pageSize = 512
	var out []ledgerwriter.Event
	for from := int64(1); from <= last; from += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		to := from + pageSize - 1
		if to > last {
			to = last
		}
		rows, err := store.Range(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("audit: ledger range read failed: %w", err)
		}
		for _, row := range rows {
			if !matches(row, q) {
				continue
			}
			out = append(out, row)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func matches(row ledgerwriter.Event, q LedgerQuery) bool {
	if q.PrincipalID != "" && row.PrincipalID != q.PrincipalID {
		return false
	}
	if q.MandateID != "" && row.MandateID != q.MandateID {
		return false
	}
	if q.Kind != "" && row.Kind != q.Kind {
		return false
	}
	if q.Decision != "" && row.Decision != q.Decision {
		return false
	}
	if !q.StartTime.IsZero() && row.Timestamp.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && row.Timestamp.After(q.EndTime) {
		return false
	}
	return true
}

// ExportFormat selects the wire shape of an export.
type ExportFormat string

const (
	FormatJSON   ExportFormat = "json"
	FormatCSV    ExportFormat = "csv"
	FormatSyslog ExportFormat = "syslog"
)

// WriteEvents renders rows to w in the requested format. JSON is one
// object per line (ingestable by log pipelines), CSV carries the flat
// columns, and syslog emits RFC 5424-style lines for SIEM forwarding.
func WriteEvents(w io.Writer, rows []ledgerwriter.Event, format ExportFormat) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return fmt.Errorf("audit: json export failed: %w", err)
			}
		}
		return nil
	case FormatCSV:
		cw := csv.NewWriter(w)
		header := []string{"event_id", "kind", "timestamp", "principal_id", "mandate_id",
			"decision", "denial_reason", "requested_action", "requested_resource", "correlation_id"}
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, row := range rows {
			record := []string{
				strconv.FormatInt(row.EventID, 10), row.Kind,
				row.Timestamp.UTC().Format(time.RFC3339), row.PrincipalID, row.MandateID,
				row.Decision, row.DenialReason, row.RequestedAction, row.RequestedResource,
				row.CorrelationID,
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatSyslog:
		for _, row := range rows {
			line := fmt.Sprintf("<134>1 %s caracal authority %d - - kind=%s principal=%s mandate=%s decision=%s reason=%q action=%s resource=%s correlation=%s\n",
				row.Timestamp.UTC().Format(time.RFC3339), row.EventID, row.Kind,
				row.PrincipalID, row.MandateID, row.Decision, row.DenialReason,
				row.RequestedAction, row.RequestedResource, row.CorrelationID)
			if _, err := io.WriteString(w, line); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("audit: unknown export format %q", format)
	}
}
