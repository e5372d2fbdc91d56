package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/internal/observability"
)

var gpuCmd = &cobra.Command{
	Use:   "gpu",
	Short: "Report NVIDIA GPUs visible to VIAME",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		report := svc.backend.NvidiaSMI(cmd.Context())
		if err := printJSON(report); err != nil {
			return err
		}
		if report.ExitCode != 0 {
			return exitError(foundry.ExitExternalServiceUnavailable, "nvidia-smi failed", fmt.Errorf("%s", report.Error))
		}
		return nil
	},
}

var pipelinesJSON bool

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List pipelines and training configurations in the VIAME install",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		cat, err := svc.backend.DiscoverPipelines()
		if err != nil {
			observability.CLILogger.Error("Pipeline discovery failed", zap.Error(err))
			return exitError(foundry.ExitFileNotFound, "Cannot list pipelines", err)
		}
		if pipelinesJSON {
			return printJSON(cat)
		}

		types := make([]string, 0, len(cat.Pipelines))
		for t := range cat.Pipelines {
			types = append(types, t)
		}
		sort.Strings(types)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "TYPE\tNAME\tPIPE")
		for _, t := range types {
			for _, p := range cat.Pipelines[t].Pipes {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", t, p.Name, p.Pipe)
			}
		}
		for _, c := range cat.Training.Configs {
			mark := ""
			if c == cat.Training.Default {
				mark = " (default)"
			}
			_, _ = fmt.Fprintf(w, "training\t%s%s\t%s\n", c, mark, c)
		}
		return nil
	},
}

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Inspect media files",
}

var mediaCheckCmd = &cobra.Command{
	Use:   "check <file>...",
	Short: "Probe media with ffprobe and report whether it is web-safe",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices()
		if err != nil {
			return err
		}
		failed := 0
		for _, file := range args {
			info, err := svc.backend.CheckMedia(cmd.Context(), file)
			if err != nil {
				observability.CLILogger.Error("Media check failed", zap.String("file", file), zap.Error(err))
				failed++
				continue
			}
			if err := printJSON(info); err != nil {
				return err
			}
		}
		if failed > 0 {
			return exitError(foundry.ExitInvalidArgument, "Media check failed", fmt.Errorf("%d of %d files failed", failed, len(args)))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gpuCmd)
	rootCmd.AddCommand(pipelinesCmd)
	rootCmd.AddCommand(mediaCmd)
	mediaCmd.AddCommand(mediaCheckCmd)

	pipelinesCmd.Flags().BoolVar(&pipelinesJSON, "json", false, "Output as JSON")
}
