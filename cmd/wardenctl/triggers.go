package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func NewWebhookCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage HMAC-signed webhook triggers",
	}

	var action, secret string
	var disabled bool
	var template map[string]string
	create := &cobra.Command{
		Use:   "create <project>",
		Short: "Bind a webhook to an action; the secret is generated when omitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"project_id": args[0],
				"action_id":  action,
				"secret":     secret,
				"enabled":    !disabled,
			}
			if len(template) > 0 {
				body["inputs_template"] = template
			}
			return call(cmd, opts, http.MethodPost, "/v1/webhooks", body)
		},
	}
	create.Flags().StringVar(&action, "action", "", "action id the webhook fires")
	create.Flags().StringVar(&secret, "secret", "", "HMAC secret")
	create.Flags().BoolVar(&disabled, "disabled", false, "create the webhook disabled")
	create.Flags().StringToStringVar(&template, "template", nil, "input template entries, e.g. value={{payload.count}}")
	_ = create.MarkFlagRequired("action")

	list := &cobra.Command{
		Use:   "list <project>",
		Short: "List a project's webhooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/projects/"+url.PathEscape(args[0])+"/webhooks", nil)
		},
	}

	del := &cobra.Command{
		Use:   "delete <webhook>",
		Short: "Delete a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodDelete, "/v1/webhooks/"+url.PathEscape(args[0]), nil)
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func NewScheduleCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring action schedules",
	}

	var action, inputs string
	var everySeconds int
	var disabled bool
	create := &cobra.Command{
		Use:   "create <project>",
		Short: "Create an interval schedule for an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			body := map[string]any{
				"project_id":    args[0],
				"action_id":     action,
				"inputs":        parsed,
				"every_seconds": everySeconds,
				"enabled":       !disabled,
			}
			return call(cmd, opts, http.MethodPost, "/v1/schedules", body)
		},
	}
	create.Flags().StringVar(&action, "action", "", "action id the schedule fires")
	create.Flags().StringVar(&inputs, "inputs", "{}", "action inputs as JSON")
	create.Flags().IntVar(&everySeconds, "every", 0, "interval in seconds")
	create.Flags().BoolVar(&disabled, "disabled", false, "create the schedule disabled")
	_ = create.MarkFlagRequired("action")
	_ = create.MarkFlagRequired("every")

	list := &cobra.Command{
		Use:   "list <project>",
		Short: "List a project's schedules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/projects/"+url.PathEscape(args[0])+"/schedules", nil)
		},
	}

	del := &cobra.Command{
		Use:   "delete <schedule>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodDelete, "/v1/schedules/"+url.PathEscape(args[0]), nil)
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}
