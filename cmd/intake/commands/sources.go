package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/intake/config"
	"github.com/teranos/intake/ingest"
)

// SourcesCmd lists the configured integration sources.
var SourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		sources, err := ingest.LoadSources(cfg.SourcesPath)
		if err != nil {
			return err
		}

		rows := pterm.TableData{{"ID", "TYPE", "MODE", "ENABLED", "INTERVAL", "FILTER"}}
		for _, src := range sources {
			interval := "-"
			if src.ConnectionMode != ingest.ModeRealtime {
				interval = src.PollInterval(cfg.DefaultPollInterval).String()
			}
			rows = append(rows, []string{
				src.ID,
				src.Type,
				string(src.ConnectionMode),
				fmt.Sprintf("%t", src.Enabled),
				interval,
				fmt.Sprintf("%d conditions", len(src.Filter)),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		pterm.Printf("\n%d sources from %s\n", len(sources), cfg.SourcesPath)
		return nil
	},
}
