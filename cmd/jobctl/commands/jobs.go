package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/spf13/cobra"
)

func (c *cli) createCmd() *cobra.Command {
	var scenario domain.InputScenario

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job from a scenario",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, b *Backend) error {
				job, ok := b.Jobs.CreateJob(ctx, scenario)
				if !ok {
					return errFailed
				}
				return printJSON(cmd, job)
			})
		},
	}
	cmd.Flags().StringVar(&scenario.VideoTitle, "title", "", "video title")
	cmd.Flags().StringVar(&scenario.ScenarioDetails, "details", "", "scenario details")
	cmd.Flags().StringVar(&scenario.Characters, "characters", "", "character descriptions")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("details")
	_ = cmd.MarkFlagRequired("characters")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, b *Backend) error {
				job, ok := b.Jobs.GetJob(ctx, args[0])
				if !ok {
					return errFailed
				}
				return printJSON(cmd, job)
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the user's jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, b *Backend) error {
				return printJSON(cmd, b.Jobs.GetUserJobs(ctx))
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id> <status>",
		Short: "Set a job's status",
		Long:  "Set a job's status. Valid statuses: " + statusList() + ".",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return c.run(cmd, func(ctx context.Context, b *Backend) error {
				if !b.Jobs.UpdateStatus(ctx, args[0], status) {
					return errFailed
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], status)
				return nil
			})
		},
	}
}

func (c *cli) outputsCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "outputs <job-id>",
		Short: "Replace a job's outputs with a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			var outputs domain.Outputs
			if err := json.Unmarshal(raw, &outputs); err != nil {
				return fmt.Errorf("parse outputs: %w", err)
			}
			return c.run(cmd, func(ctx context.Context, b *Backend) error {
				if !b.Jobs.UpdateOutputs(ctx, args[0], outputs) {
					return errFailed
				}
				fmt.Fprintf(cmd.OutOrStdout(), "outputs replaced for %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file to read, - for stdin")
	return cmd
}

func (c *cli) approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Approve a job's review step and move it to the next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, b *Backend) error {
				job, err := b.Jobs.Approve(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, job)
			})
		},
	}
}

func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(file)
}

func statusList() string {
	names := make([]string, 0, len(domain.Statuses()))
	for _, s := range domain.Statuses() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
