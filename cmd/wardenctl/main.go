// wardenctl is the operator CLI for the gateway HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"warden/pkg/httpx"

	"github.com/spf13/cobra"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}

// RootOptions holds global flags shared by every subcommand.
type RootOptions struct {
	Addr    string
	Timeout time.Duration
	Retries int
}

func defaultAddr() string {
	if v := strings.TrimSpace(os.Getenv("WARDEN_ADDR")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "wardenctl",
		Short:         "Operate a warden gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", defaultAddr(), "gateway base URL (env WARDEN_ADDR)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "request timeout")
	cmd.PersistentFlags().IntVar(&opts.Retries, "retries", 0, "request retries on transport errors")

	cmd.AddCommand(NewProjectCommand(opts))
	cmd.AddCommand(NewPolicyCommand(opts))
	cmd.AddCommand(NewExecuteCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewForecastCommand(opts))
	cmd.AddCommand(NewFactsCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewRevertCommand(opts))
	cmd.AddCommand(NewReconstructCommand(opts))
	cmd.AddCommand(NewWebhookCommand(opts))
	cmd.AddCommand(NewScheduleCommand(opts))
	cmd.AddCommand(NewRegistryCommand(opts))

	return cmd
}

// call sends one JSON request to the gateway and pretty-prints the response.
// Non-2xx statuses become errors carrying the response body.
func call(cmd *cobra.Command, opts *RootOptions, method, path string, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	url := strings.TrimRight(opts.Addr, "/") + path
	status, resp, err := httpx.RequestJSON(ctx, http.DefaultClient, method, url, payload, nil, opts.Retries, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, status, strings.TrimSpace(string(resp)))
	}
	if len(resp) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

func printJSON(out io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := out.Write(raw)
		return werr
	}
	buf.WriteByte('\n')
	_, err := out.Write(buf.Bytes())
	return err
}

func parseInputs(raw string) (map[string]any, error) {
	inputs := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return inputs, nil
	}
	if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
		return nil, fmt.Errorf("invalid --inputs JSON: %w", err)
	}
	return inputs, nil
}

func readFileOrStdin(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
