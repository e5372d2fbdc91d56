package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/viamerun/pkg/dataset"
	"github.com/3leaps/viamerun/pkg/manifest"
)

var validateMeta bool

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a run request or dataset meta.json",
	Long: `Validate a run request (YAML or JSON) against its schema and print the
request with defaults applied. With --meta the file is checked as a
dataset meta.json instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateMeta, "meta", false, "Validate a dataset meta.json")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]

	if validateMeta {
		data, err := os.ReadFile(path)
		if err != nil {
			return exitError(foundry.ExitFileNotFound, "Cannot read meta file", err)
		}
		if err := dataset.ValidateMeta(data); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid dataset meta", err)
		}
		fmt.Printf("%s: valid dataset meta\n", path)
		return nil
	}

	req, err := manifest.Load(path)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run request", err)
	}
	return printJSON(req)
}
