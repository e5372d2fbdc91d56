package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := versionReport()
		if versionJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		fmt.Printf("viamerun %s\n", info["version"])
		fmt.Printf("  commit:     %s\n", info["commit"])
		fmt.Printf("  built:      %s\n", info["buildDate"])
		fmt.Printf("  go:         %s\n", info["go"])
		fmt.Printf("  platform:   %s\n", info["platform"])
		if v := info["crucible"]; v != "" {
			fmt.Printf("  crucible:   %s\n", v)
		}
		if v := info["gofulmen"]; v != "" {
			fmt.Printf("  gofulmen:   %s\n", v)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func versionReport() map[string]string {
	deps := crucible.GetVersion()
	return map[string]string{
		"version":   versionInfo.Version,
		"commit":    versionInfo.Commit,
		"buildDate": versionInfo.BuildDate,
		"go":        runtime.Version(),
		"platform":  runtime.GOOS + "/" + runtime.GOARCH,
		"crucible":  deps.Crucible,
		"gofulmen":  deps.Gofulmen,
	}
}
