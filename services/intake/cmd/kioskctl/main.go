package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBaseURL string

	cmd := &cobra.Command{
		Use:           "kioskctl",
		Short:         "Utility for operating a kioskd intake service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&apiBaseURL, "api", "http://localhost:8080", "Base URL of the intake API")

	cmd.AddCommand(newSyncCommand(&apiBaseURL))
	cmd.AddCommand(newCleanupCommand(&apiBaseURL))
	cmd.AddCommand(newStatsCommand(&apiBaseURL))
	cmd.AddCommand(newHealthCommand(&apiBaseURL))
	cmd.AddCommand(newRetryCommand(&apiBaseURL))
	return cmd
}

func newSyncCommand(api *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Trigger an immediate sync pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodPost, *api+"/v1/sync/trigger", nil)
		},
	}
}

func newCleanupCommand(api *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Trigger an immediate retention sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodPost, *api+"/v1/cleanup/trigger", nil)
		},
	}
}

func newStatsCommand(api *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show capture queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodGet, *api+"/v1/stats", nil)
		},
	}
}

func newHealthCommand(api *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show aggregated dependency health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodGet, *api+"/v1/health", nil)
		},
	}
}

func newRetryCommand(api *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <capture-id>",
		Short: "Requeue a FAILED capture for syncing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.Context(), http.MethodPost, *api+"/v1/captures/"+args[0]+"/retry", nil)
		},
	}
}

// call performs one API request and pretty-prints the JSON response. Non-2xx
// answers are still printed; the exit code reflects the failure.
func call(ctx context.Context, method, url string, body []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return nil
}
