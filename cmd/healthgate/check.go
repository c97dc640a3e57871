package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/healthgate/internal/checker"
	"github.com/hazz-dev/healthgate/internal/config"
)

func executeCheck(cmd *cobra.Command, cfg *config.Config) error {
	return runChecks(cmd.Context(), cmd.OutOrStdout(), cfg, checker.New)
}

func runChecks(ctx context.Context, out io.Writer, cfg *config.Config, factory func(config.Probe) (checker.Checker, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]checker.CheckResult, len(cfg.Probes))
	var wg sync.WaitGroup

	for i, p := range cfg.Probes {
		wg.Add(1)
		go func(i int, p config.Probe) {
			defer wg.Done()
			c, err := factory(p)
			if err != nil {
				c = checker.Failing(p.Name, fmt.Errorf("creating checker: %w", err))
			}
			if cl, ok := c.(checker.Closer); ok {
				defer cl.Close()
			}
			cctx, cancel := context.WithTimeout(ctx, p.Timeout.Duration)
			defer cancel()
			results[i] = c.Check(cctx)
		}(i, p)
	}
	wg.Wait()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROBE\tKIND\tTYPE\tSTATUS\tRESPONSE\tERROR")
	allUp := true
	for i, r := range results {
		p := cfg.Probes[i]
		resp := "-"
		if r.ResponseTime > 0 {
			resp = r.ResponseTime.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name,
			p.Kind,
			p.Type,
			r.Status,
			resp,
			r.Error,
		)
		if !r.OK() {
			allUp = false
		}
	}
	w.Flush()

	if !allUp {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}
