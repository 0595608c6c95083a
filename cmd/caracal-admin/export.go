package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/caracal-sh/caracal/pkg/audit"
)

func (e *env) exportCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	principalID := fs.String("principal", "", "filter by principal id")
	mandateID := fs.String("mandate", "", "filter by mandate id")
	kind := fs.String("kind", "", "filter by event kind")
	decision := fs.String("decision", "", "filter by decision (allowed | denied)")
	since := fs.String("since", "", "RFC3339 lower bound")
	until := fs.String("until", "", "RFC3339 upper bound")
	format := fs.String("format", "json", "json | csv | syslog")
	limit := fs.Int("limit", 0, "max rows, 0 for all")
	if err := fs.Parse(args); err != nil {
		return badArgs("%v", err)
	}

	q := audit.LedgerQuery{
		PrincipalID: *principalID,
		MandateID:   *mandateID,
		Kind:        *kind,
		Decision:    *decision,
		Limit:       *limit,
	}
	var err error
	if *since != "" {
		if q.StartTime, err = time.Parse(time.RFC3339, *since); err != nil {
			return badArgs("export: --since must be RFC3339: %v", err)
		}
	}
	if *until != "" {
		if q.EndTime, err = time.Parse(time.RFC3339, *until); err != nil {
			return badArgs("export: --until must be RFC3339: %v", err)
		}
	}

	rows, err := audit.QueryLedger(ctx, e.ledger, q)
	if err != nil {
		return err
	}
	return audit.WriteEvents(os.Stdout, rows, audit.ExportFormat(*format))
}
