package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/target/jobflow/internal/domain/model"
)

type row struct {
	label string
	value string
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRows(w io.Writer, header string, rows []row) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writef(tw, "%s\n", header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		if err := writef(tw, "%s\t%s\n", r.label, r.value); err != nil {
			return fmt.Errorf("write row %q: %w", r.label, err)
		}
	}
	return tw.Flush()
}

func printJobs(w io.Writer, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return writef(w, "no jobs\n")
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writef(tw, "ID\tSTATUS\tUSER\tLOCALE\tFILES\tATTEMPTS\tCREATED\n"); err != nil {
		return fmt.Errorf("write jobs header: %w", err)
	}
	for _, j := range jobs {
		if err := writef(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			j.ID, j.Status, j.Owner, j.TargetLocale, len(j.Files), j.Attempts,
			j.CreatedAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("write job %s: %w", j.ID, err)
		}
	}
	return tw.Flush()
}
