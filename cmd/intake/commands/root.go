// Package commands holds the intake CLI command tree.
package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/intake/adapters/feed"
	"github.com/teranos/intake/adapters/imapmail"
	"github.com/teranos/intake/adapters/matrix"
	"github.com/teranos/intake/adapters/script"
	"github.com/teranos/intake/adapters/slack"
	"github.com/teranos/intake/config"
	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
	"github.com/teranos/intake/logger"
	"github.com/teranos/intake/version"
)

var (
	configFile string
	debugLogs  bool
	jsonLogs   bool
)

// RootCmd is the intake command tree root.
var RootCmd = &cobra.Command{
	Use:   "intake",
	Short: "Intake - multi-protocol message ingestion engine",
	Long: `Intake pulls messages, posts, and emails from heterogeneous external
systems (team chat, federated chat, IMAP mailboxes, feeds, custom scripts)
and turns them into a normalized stream of candidate work items.

Examples:
  intake serve                 # Start the ingestion engine and API
  intake plugins               # List available adapters and their schemas
  intake sources               # List configured sources
  intake test slack-eng        # Run a source's connectivity test`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := logger.Initialize(jsonLogs, debugLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		logger.Cleanup()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./intake.yaml)")
	RootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "Enable debug logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Log as JSON")

	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(PluginsCmd)
	RootCmd.AddCommand(SourcesCmd)
	RootCmd.AddCommand(TestCmd)
	RootCmd.AddCommand(VersionCmd)
}

// buildRegistry registers every built-in adapter. A failed registration
// disables that adapter but keeps the engine usable; the failure stays
// visible on the plugin discovery surface.
func buildRegistry(cfg *config.Config) *ingest.Registry {
	registry := ingest.NewRegistry(version.Version)

	adapters := []ingest.Adapter{
		feed.New(cfg.PollTimeout),
		imapmail.New(30 * time.Second),
		slack.New(),
		matrix.New(cfg.LongPollTimeout),
		script.New(),
	}
	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			logger.Logger.Errorw("Failed to register adapter",
				"adapter", adapter.Metadata().Type,
				"error", err,
			)
		}
	}
	return registry
}

// envSecrets resolves named secrets from the environment. The credential
// store itself is an external collaborator; environment variables are the
// baseline deployment mechanism.
func envSecrets(name string) (string, error) {
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value, nil
	}
	return "", errors.Wrapf(errors.ErrSecretMissing, "secret %s not set in environment", name)
}
