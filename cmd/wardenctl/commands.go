package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func NewProjectCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var name string
	create := &cobra.Command{
		Use:   "create [id]",
		Short: "Create a project; the id is generated when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return call(cmd, opts, http.MethodPost, "/v1/projects", map[string]string{"id": id, "name": name})
		},
	}
	create.Flags().StringVar(&name, "name", "", "project display name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/projects", nil)
		},
	}

	get := &cobra.Command{
		Use:   "get <project>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/projects/"+url.PathEscape(args[0]), nil)
		},
	}

	archive := &cobra.Command{
		Use:   "archive <project>",
		Short: "Archive a project; archived projects reject execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, "/v1/projects/"+url.PathEscape(args[0])+"/archive", nil)
		},
	}

	purge := &cobra.Command{
		Use:   "purge <project>",
		Short: "Delete a project and everything attached to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodDelete, "/v1/projects/"+url.PathEscape(args[0]), nil)
		},
	}

	var role string
	member := &cobra.Command{
		Use:   "add-member <project> <user>",
		Short: "Grant a user a role on a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, "/v1/projects/"+url.PathEscape(args[0])+"/members",
				map[string]string{"user_id": args[1], "role": role})
		},
	}
	member.Flags().StringVar(&role, "role", "viewer", "role to grant (viewer|operator|admin)")

	cmd.AddCommand(create, list, get, archive, purge, member)
	return cmd
}

func NewPolicyCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Read and write a project's policy document",
	}

	get := &cobra.Command{
		Use:   "get <project>",
		Short: "Print the policy document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/projects/"+url.PathEscape(args[0])+"/policy", nil)
		},
	}

	var file string
	set := &cobra.Command{
		Use:   "set <project>",
		Short: "Replace the policy document from a JSON file ('-' for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readFileOrStdin(file)
			if err != nil {
				return fmt.Errorf("read policy: %w", err)
			}
			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("policy must be a JSON object: %w", err)
			}
			return call(cmd, opts, http.MethodPut, "/v1/projects/"+url.PathEscape(args[0])+"/policy", doc)
		},
	}
	set.Flags().StringVar(&file, "file", "-", "policy JSON file")

	cmd.AddCommand(get, set)
	return cmd
}

func NewRegistryCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect registered actions and components",
	}
	actions := &cobra.Command{
		Use:   "actions",
		Short: "List registered actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/actions", nil)
		},
	}
	components := &cobra.Command{
		Use:   "components",
		Short: "List registered components",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/v1/components", nil)
		},
	}
	cmd.AddCommand(actions, components)
	return cmd
}
