package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/healthgate/internal/storage"
)

type statusStore interface {
	AllLatest(ctx context.Context) ([]storage.Check, error)
	Transitions(ctx context.Context, probe string, limit int) ([]storage.Transition, error)
}

func executeStatus(cmd *cobra.Command, db statusStore) error {
	out := cmd.OutOrStdout()
	checks, err := db.AllLatest(context.Background())
	if err != nil {
		return fmt.Errorf("querying status: %w", err)
	}

	if len(checks) == 0 {
		fmt.Fprintln(out, "No check history. Run 'healthgate serve' first.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROBE\tKIND\tSTATE\tRESULT\tFAILURES\tRESPONSE\tLAST CHECKED\tERROR")
	for _, c := range checks {
		resp := "-"
		if c.ResponseMs > 0 {
			resp = (time.Duration(c.ResponseMs) * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			c.Probe,
			c.Kind,
			c.State,
			c.Result,
			c.Failures,
			resp,
			c.CheckedAt.Local().Format("2006-01-02 15:04:05"),
			c.Error,
		)
	}
	w.Flush()
	return nil
}

func executeTransitions(cmd *cobra.Command, db statusStore, name string, limit int) error {
	out := cmd.OutOrStdout()
	ts, err := db.Transitions(context.Background(), name, limit)
	if err != nil {
		return fmt.Errorf("querying transitions: %w", err)
	}

	if len(ts) == 0 {
		fmt.Fprintf(out, "No transitions recorded for %q.\n", name)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tFROM\tTO\tFAILURES\tREASON")
	for _, t := range ts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			t.At.Local().Format("2006-01-02 15:04:05"),
			t.From,
			t.To,
			t.Failures,
			t.Reason,
		)
	}
	w.Flush()
	return nil
}
