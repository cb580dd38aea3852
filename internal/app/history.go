package app

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"okoa-go/internal/model"
)

// FormatSyncRuns writes runs as an aligned table, one run per line.
func FormatSyncRuns(w io.Writer, runs []*model.SyncRun) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tTRIGGER\tSTATUS\tATTEMPTED\tSUCCEEDED\tLEFT\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID,
			r.StartedAt.UTC().Format(time.RFC3339),
			r.Trigger,
			r.Status,
			r.Attempted,
			r.Succeeded,
			r.LeftPending,
			duration)
	}
	return tw.Flush()
}
