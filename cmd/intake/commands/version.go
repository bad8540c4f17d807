package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/teranos/intake/version"
)

// VersionCmd prints version information.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show intake version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("intake %s\n", version.Version)
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("Go: %s\n", runtime.Version())
	},
}
