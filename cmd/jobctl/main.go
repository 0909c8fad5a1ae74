// Command jobctl manages video jobs directly against the configured
// database and object store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dunamismax/storyforge/cmd/jobctl/commands"
	"github.com/dunamismax/storyforge/internal/app"
	"github.com/dunamismax/storyforge/internal/config"
	"github.com/dunamismax/storyforge/internal/logging"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	root := commands.NewRootCommand(func(ctx context.Context) (*commands.Backend, error) {
		cfg := config.Load()
		logger := logging.NewWithOutput(cfg.Log, os.Stderr).WithField("service", "jobctl")
		services, err := app.Open(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &commands.Backend{
			Jobs:   services.Jobs,
			Listen: services.Listen,
			Close:  services.Close,
		}, nil
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
