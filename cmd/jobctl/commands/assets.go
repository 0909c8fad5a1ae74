package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/dunamismax/storyforge/internal/storage"
	"github.com/spf13/cobra"
)

func (c *cli) uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <bucket> <key> <file>",
		Short: "Upload a file and print its public URL",
		Long:  "Upload a file to video-assets or final-videos. Existing objects are never overwritten.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, err := storage.ParseBucket(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[2])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[2], err)
			}
			return c.run(cmd, func(ctx context.Context, b *Backend) error {
				publicURL, ok := b.Jobs.UploadFile(ctx, bucket, args[1], data)
				if !ok {
					return errFailed
				}
				fmt.Fprintln(cmd.OutOrStdout(), publicURL)
				return nil
			})
		},
	}
}

func (c *cli) urlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <bucket> <key>",
		Short: "Print the public URL of an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, err := storage.ParseBucket(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, func(_ context.Context, b *Backend) error {
				publicURL := b.Jobs.GetPublicURL(bucket, args[1])
				if publicURL == "" {
					return errFailed
				}
				fmt.Fprintln(cmd.OutOrStdout(), publicURL)
				return nil
			})
		},
	}
}
