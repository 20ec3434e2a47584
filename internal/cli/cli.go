// Package cli implements orcactl, the command line client of the orca API.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ssuji15/orca/model"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server string
	output string
}

// NewRootCommand builds the orcactl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "orcactl",
		Short: "orcactl manages jobs on an orca server",
		Long: `orcactl is the command line client of the orca job orchestration API.

Examples:
  orcactl create -f job.yaml
  orcactl list --status Running,Queued
  orcactl get <job-id> -o yaml
  orcactl fail <job-id> --type orca://problems/job/operator --title "Stopped by operator"

The server address defaults to $ORCA_URL, then ` + defaultServer + `.`,
		SilenceUsage: true,
	}

	server := os.Getenv("ORCA_URL")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "orca API address")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")

	root.AddCommand(
		newCreateCommand(opts),
		newGetCommand(opts),
		newListCommand(opts),
		newExecutionsCommand(opts),
		newOutputCommand(opts),
		newOperationCommand(opts, "cancel", "Cancel a job and its current execution"),
		newFailCommand(opts),
		newOperationCommand(opts, "restart", "Start a new execution of a job"),
		newDeleteCommand(opts),
		newWatchdogCommand(opts),
	)
	return root
}

func (o *options) client() *Client {
	return NewClient(o.server)
}

// print re-encodes a JSON body in the requested format.
func (o *options) print(w io.Writer, body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	switch o.output {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	default:
		return fmt.Errorf("unknown output format %q", o.output)
	}
}

// LoadJobRequest reads a job definition from a YAML (or JSON) file.
func LoadJobRequest(path string) (model.JobRequest, error) {
	var req model.JobRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("invalid job file %s: %w", path, err)
	}
	if req.JobProfileRef == "" {
		return req, fmt.Errorf("invalid job file %s: jobProfileRef is required", path)
	}
	return req, nil
}

func newCreateCommand(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a job from a definition file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := LoadJobRequest(file)
			if err != nil {
				return err
			}
			body, err := opts.client().CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "job definition file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get [job_id]",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.client().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), body)
		},
	}
}

func newListCommand(opts *options) *cobra.Command {
	var statuses []string
	var pageToken string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.client().ListJobs(cmd.Context(), statuses, pageToken)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "statuses to include, e.g. Running,Queued")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "continue a previous listing")
	return cmd
}

func newExecutionsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "executions [job_id]",
		Short: "List the executions of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.client().ListExecutions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), body)
		},
	}
}

func newOutputCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "output [job_id] [execution]",
		Short: "Show the output of one execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("execution must be a positive number, got %q", args[1])
			}
			body, err := opts.client().GetOutput(cmd.Context(), args[0], n)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), body)
		},
	}
}

func newOperationCommand(opts *options, operation, short string) *cobra.Command {
	return &cobra.Command{
		Use:   operation + " [job_id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.client().Operate(cmd.Context(), args[0], operation, nil)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), body)
		},
	}
}

func newFailCommand(opts *options) *cobra.Command {
	problem := model.Problem{}
	cmd := &cobra.Command{
		Use:   "fail [job_id]",
		Short: "Fail a job, optionally with a problem description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if problem.Type != "" {
				body = problem
			}
			resp, err := opts.client().Operate(cmd.Context(), args[0], "fail", body)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&problem.Type, "type", "", "problem type URI")
	cmd.Flags().StringVar(&problem.Title, "title", "", "problem title")
	cmd.Flags().StringVar(&problem.Detail, "detail", "", "problem detail")
	return cmd
}

func newDeleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [job_id]",
		Short: "Delete a job and its executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.client().DeleteJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), body)
		},
	}
}

func newWatchdogCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Run one watchdog scan now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.client().RunWatchdog(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), body)
		},
	}
}
