package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/jobs"
	"github.com/spf13/cobra"
)

// errFailed is returned when a job operation reports failure. The cause has
// already been logged to stderr.
var errFailed = errors.New("operation failed; see log for details")

// Backend is what the commands operate on.
type Backend struct {
	Jobs   *jobs.Client
	Listen func(ctx context.Context)
	Close  func() error
}

type Opener func(ctx context.Context) (*Backend, error)

type cli struct {
	open    Opener
	user    string
	service bool
}

func NewRootCommand(open Opener) *cobra.Command {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:   "jobctl",
		Short: "Manage video generation jobs",
		Long: `jobctl reads and writes video jobs through the same job client the API
and worker use. Connection settings come from the environment or a .env file:

  DATABASE_URL          Postgres DSN (job commands fail when unset)
  STORAGE_ENDPOINT      object store endpoint for uploads
  STORAGE_ACCESS_KEY    object store credentials
  STORAGE_SECRET_KEY`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.user, "user", "u", "", "act as this user id")
	root.PersistentFlags().BoolVar(&c.service, "service", false, "act as a backend service that can reach every user's jobs")

	root.AddCommand(
		c.createCmd(),
		c.getCmd(),
		c.listCmd(),
		c.statusCmd(),
		c.outputsCmd(),
		c.approveCmd(),
		c.watchCmd(),
		c.uploadCmd(),
		c.urlCmd(),
	)
	return root
}

// run opens the backend for the duration of fn.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, b *Backend) error) error {
	ctx := domain.WithOwner(cmd.Context(), c.user)
	if c.service {
		ctx = domain.AsService(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	backend, err := c.open(ctx)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer func() {
		if backend.Close != nil {
			_ = backend.Close()
		}
	}()
	return fn(ctx, backend)
}

func printJSON(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
