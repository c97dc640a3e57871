package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe [livez|readyz|NAME]",
		Short: "Query a running agent; exits non-zero unless the endpoint answers 2xx",
		Long: `Query a running agent's /livez, /readyz or /probes/NAME endpoint.
Suitable as a container HEALTHCHECK command in images without curl.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "readyz"
			if len(args) == 1 {
				target = args[0]
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return queryEndpoint(ctx, cmd.OutOrStdout(), baseURL, target)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8081", "base URL of the running agent")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func endpointPath(target string) string {
	switch target {
	case "livez", "readyz":
		return "/" + target
	default:
		return "/probes/" + url.PathEscape(target)
	}
}

func queryEndpoint(ctx context.Context, out io.Writer, baseURL, target string) error {
	u := strings.TrimRight(baseURL, "/") + endpointPath(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("querying %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	msg := strings.TrimSpace(string(body))
	fmt.Fprintf(out, "%s: %d %s\n", target, resp.StatusCode, msg)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", target, resp.StatusCode)
	}
	return nil
}
