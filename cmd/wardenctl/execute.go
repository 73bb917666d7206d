package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

type intentFlags struct {
	User      string
	Inputs    string
	Confirmed bool
	Mode      string
	RequestID string
}

func (f *intentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.User, "user", "", "acting user id")
	cmd.Flags().StringVar(&f.Inputs, "inputs", "{}", "action inputs as JSON")
	cmd.Flags().BoolVar(&f.Confirmed, "confirm", false, "mark the intent as user-confirmed")
	cmd.Flags().StringVar(&f.Mode, "mode", "", "execution mode (interactive|assisted|autonomous)")
	cmd.Flags().StringVar(&f.RequestID, "request-id", "", "request id; generated when omitted")
}

func (f *intentFlags) body(actionID string) (map[string]any, error) {
	inputs, err := parseInputs(f.Inputs)
	if err != nil {
		return nil, err
	}
	intent := map[string]any{
		"type":      "action_call",
		"action_id": actionID,
		"inputs":    inputs,
		"confirmed": f.Confirmed,
	}
	if f.RequestID != "" {
		intent["request_id"] = f.RequestID
	}
	if f.Mode != "" {
		intent["execution_mode"] = f.Mode
	}
	return map[string]any{"user_id": f.User, "intent": intent}, nil
}

func newIntentCommand(opts *RootOptions, use, short, endpoint string) *cobra.Command {
	flags := &intentFlags{}
	cmd := &cobra.Command{
		Use:   use + " <project> <action>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := flags.body(args[1])
			if err != nil {
				return err
			}
			return call(cmd, opts, http.MethodPost, "/v1/projects/"+url.PathEscape(args[0])+endpoint, body)
		},
	}
	flags.register(cmd)
	return cmd
}

func NewExecuteCommand(opts *RootOptions) *cobra.Command {
	return newIntentCommand(opts, "execute", "Execute an action against a project", "/execute")
}

func NewSimulateCommand(opts *RootOptions) *cobra.Command {
	return newIntentCommand(opts, "simulate", "Dry-run an action without committing state", "/simulate")
}

func NewPlanCommand(opts *RootOptions) *cobra.Command {
	var user, file string
	var simulate bool
	cmd := &cobra.Command{
		Use:   "plan <project>",
		Short: "Execute a multi-step plan from a JSON file ('-' for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readFileOrStdin(file)
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			var plan map[string]any
			if err := json.Unmarshal(raw, &plan); err != nil {
				return fmt.Errorf("plan must be a JSON object: %w", err)
			}
			body := map[string]any{"user_id": user, "simulate": simulate, "plan": plan}
			return call(cmd, opts, http.MethodPost, "/v1/projects/"+url.PathEscape(args[0])+"/plan", body)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "acting user id")
	cmd.Flags().StringVar(&file, "file", "-", "plan JSON file with a steps array")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "dry-run every step")
	return cmd
}

func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <project>",
		Short: "Print the execution audit log, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/projects/" + url.PathEscape(args[0]) + "/history"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			return call(cmd, opts, http.MethodGet, path, nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (0 = all)")
	return cmd
}

func NewForecastCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forecast <project>",
		Short: "Project today's budget exhaustion from the audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet,
				"/v1/projects/"+url.PathEscape(args[0])+"/budget/forecast", nil)
		},
	}
}

func NewFactsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "facts <project> <user>",
		Short: "Print a user's remembered session facts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet,
				"/v1/projects/"+url.PathEscape(args[0])+"/users/"+url.PathEscape(args[1])+"/facts", nil)
		},
	}
}

func NewSnapshotCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect project state snapshots",
	}
	latest := &cobra.Command{
		Use:   "latest <project>",
		Short: "Print the latest materialized snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/projects/"+url.PathEscape(args[0])+"/snapshots/latest", nil)
		},
	}
	get := &cobra.Command{
		Use:   "get <project> <snapshot>",
		Short: "Print one snapshot by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet,
				"/v1/projects/"+url.PathEscape(args[0])+"/snapshots/"+url.PathEscape(args[1]), nil)
		},
	}
	cmd.AddCommand(latest, get)
	return cmd
}

func NewRevertCommand(opts *RootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "revert <project> <snapshot>",
		Short: "Restore project state to an earlier snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, "/v1/projects/"+url.PathEscape(args[0])+"/revert",
				map[string]string{"user_id": user, "snapshot_id": args[1]})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "acting user id")
	return cmd
}

func NewReconstructCommand(opts *RootOptions) *cobra.Command {
	var requestID, until string
	cmd := &cobra.Command{
		Use:   "reconstruct <project>",
		Short: "Rebuild state by replaying the audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if requestID != "" {
				q.Set("request_id", requestID)
			}
			if until != "" {
				q.Set("until", until)
			}
			path := "/v1/projects/" + url.PathEscape(args[0]) + "/reconstruct"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return call(cmd, opts, http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "stop replay after this request")
	cmd.Flags().StringVar(&until, "until", "", "stop replay at this RFC3339 timestamp")
	return cmd
}
