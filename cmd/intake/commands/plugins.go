package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/intake/config"
	"github.com/teranos/intake/ingest"
)

// PluginsCmd lists the available adapters and their declared schemas.
var PluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List available adapters and their capabilities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		registry := buildRegistry(cfg)
		infos := registry.Infos()

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			out, err := json.MarshalIndent(infos, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		rows := pterm.TableData{{"TYPE", "NAME", "VERSION", "CAPABILITIES", "STATUS"}}
		for _, info := range infos {
			status := "enabled"
			if !info.Enabled {
				status = "error: " + info.LoadError
			}
			rows = append(rows, []string{
				info.Type,
				info.Name,
				info.Version,
				capabilityList(info.Capabilities),
				status,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

func init() {
	PluginsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

func capabilityList(c ingest.Capabilities) string {
	var caps []string
	if c.Realtime {
		caps = append(caps, "realtime")
	}
	if c.Send {
		caps = append(caps, "send")
	}
	if c.Threads {
		caps = append(caps, "threads")
	}
	if len(caps) == 0 {
		return "poll"
	}
	return strings.Join(caps, ", ")
}
