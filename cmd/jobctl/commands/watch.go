package commands

import (
	"context"
	"time"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/spf13/cobra"
)

func (c *cli) watchCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Print a job and every change to it until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
				cmd.SetContext(ctx)
			}

			return c.run(cmd, func(ctx context.Context, b *Backend) error {
				if b.Listen != nil {
					b.Listen(ctx)
				}

				updates := make(chan domain.Job, 16)
				sub := b.Jobs.SubscribeToJob(args[0], func(job domain.Job) {
					select {
					case updates <- job:
					case <-ctx.Done():
					}
				})
				if sub == nil {
					return errFailed
				}
				defer sub.Close()

				job, ok := b.Jobs.GetJob(ctx, args[0])
				if !ok {
					return errFailed
				}
				if err := printJSON(cmd, job); err != nil {
					return err
				}

				latest := job.UpdatedAt
				for !job.Status.IsTerminal() {
					select {
					case <-ctx.Done():
						return nil
					case job = <-updates:
						if !job.UpdatedAt.After(latest) {
							continue
						}
						latest = job.UpdatedAt
						if err := printJSON(cmd, job); err != nil {
							return err
						}
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop watching after this long (0 waits for completion)")
	return cmd
}
