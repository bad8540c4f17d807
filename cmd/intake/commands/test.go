package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/intake/config"
	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
)

// TestCmd runs one source's connectivity/credential test.
var TestCmd = &cobra.Command{
	Use:   "test <source-id>",
	Short: "Test a source's credentials and connectivity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		sources, err := ingest.LoadSources(cfg.SourcesPath)
		if err != nil {
			return err
		}

		var src *ingest.Source
		for _, s := range sources {
			if s.ID == args[0] {
				src = s
				break
			}
		}
		if src == nil {
			return errors.Wrapf(errors.ErrNotFound, "source %s not found in %s", args[0], cfg.SourcesPath)
		}

		registry := buildRegistry(cfg)
		if err := registry.ValidateSource(src); err != nil {
			return err
		}
		adapter, err := registry.Get(src.Type)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.PollTimeout)
		defer cancel()

		spinner, _ := pterm.DefaultSpinner.Start("Testing " + src.ID)
		result, err := adapter.Test(ctx, src, envSecrets)
		if err != nil {
			spinner.Fail(err.Error())
			return err
		}

		if !result.OK {
			spinner.Fail(result.Message)
			return errors.Newf("test failed: %s", result.Message)
		}
		spinner.Success(result.Message)

		if len(result.Sample) > 0 {
			rows := pterm.TableData{{"ID", "TITLE", "AUTHOR", "TIMESTAMP"}}
			for _, item := range result.Sample {
				rows = append(rows, []string{
					item.ID,
					item.Title,
					item.Author,
					item.Timestamp.Format(time.RFC3339),
				})
			}
			pterm.Println()
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		}
		return nil
	},
}
