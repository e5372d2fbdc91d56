package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/manifest"
	"github.com/3leaps/viamerun/pkg/publish"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job working directories",
	Long: `Inspect jobs recorded under <data path>/DIVE_Jobs.

Every job directory carries a dive_job_manifest.json and a runlog.txt.
A job can be named by its key, its directory name, or a unique prefix of
either.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job>",
	Short: "Show the run log of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsPublishCmd = &cobra.Command{
	Use:   "publish <job>",
	Short: "Publish a finished job's results",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsPublish,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsPublishCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole log)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow the log until the job finishes")
	jobsPublishCmd.Flags().String("dest", "", "Destination URI (default: publish.destination)")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	svc, err := newServices()
	if err != nil {
		return err
	}
	list, err := svc.jobs.List()
	if err != nil {
		return err
	}

	if jsonOutput {
		if list == nil {
			list = []jobs.Job{}
		}
		return printJSON(list)
	}
	if len(list) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "KEY\tTYPE\tSTATE\tEXIT\tSTARTED\tENDED\tTITLE")
	for _, j := range list {
		started := "-"
		if !j.StartTime.IsZero() {
			started = j.StartTime.Local().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.Key, j.Kind, j.State, formatExitCode(j.ExitCode), started, formatOptionalTime(j.EndTime), j.Title)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	job, err := findJob(args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(job)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintf(w, "Key:\t%s\n", job.Key)
	_, _ = fmt.Fprintf(w, "Type:\t%s\n", job.Kind)
	_, _ = fmt.Fprintf(w, "Title:\t%s\n", job.Title)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", job.State)
	_, _ = fmt.Fprintf(w, "Exit code:\t%s\n", formatExitCode(job.ExitCode))
	_, _ = fmt.Fprintf(w, "PID:\t%d\n", job.PID)
	_, _ = fmt.Fprintf(w, "Datasets:\t%s\n", strings.Join(job.DatasetIDs, ", "))
	_, _ = fmt.Fprintf(w, "Working dir:\t%s\n", job.WorkingDir)
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", job.StartTime.Local().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Ended:\t%s\n", formatOptionalTime(job.EndTime))
	_, _ = fmt.Fprintf(w, "Heartbeat:\t%s\n", formatOptionalTime(job.LastHeartbeat))
	_, _ = fmt.Fprintf(w, "Command:\t%s\n", job.Command)
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	svc, err := newServices()
	if err != nil {
		return err
	}
	job, err := svc.jobs.Find(strings.TrimSpace(args[0]))
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	logPath := job.LogPath
	if logPath == "" {
		logPath = filepath.Join(job.WorkingDir, jobs.RunLogFileName)
	}

	if follow {
		done := func() bool {
			current, err := svc.jobs.Get(job.WorkingDir)
			return err != nil || current.Done()
		}
		return followLog(cmd.Context(), os.Stdout, logPath, done)
	}
	return printLogTail(os.Stdout, logPath, tailN)
}

func runJobsPublish(cmd *cobra.Command, args []string) error {
	if err := requireWritable("jobs publish"); err != nil {
		return err
	}
	dest, _ := cmd.Flags().GetString("dest")

	svc, err := newServices()
	if err != nil {
		return err
	}
	job, err := svc.jobs.Find(strings.TrimSpace(args[0]))
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	cfg := svc.publishDefaults()
	if dest != "" {
		cfg = manifest.PublishConfig{
			Destination:    dest,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			Profile:        cfg.Profile,
			ForcePathStyle: cfg.ForcePathStyle,
		}
	}
	if cfg.Destination == "" {
		return exitError(foundry.ExitInvalidArgument, "No destination", fmt.Errorf("pass --dest or set publish.destination"))
	}
	if _, err := publish.ParseURI(cfg.Destination); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid destination", err)
	}

	receipt, err := svc.dispatcher().Publish(cmd.Context(), *job, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Publish failed", err)
	}
	return printJSON(receipt)
}

func findJob(input string) (*jobs.Job, error) {
	svc, err := newServices()
	if err != nil {
		return nil, err
	}
	job, err := svc.jobs.Find(strings.TrimSpace(input))
	if err != nil {
		return nil, exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	return job, nil
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLogPoll is how often followLog checks for growth.
var followLogPoll = 250 * time.Millisecond

// followLog copies path to w as it grows and returns once done reports true
// and the file has been drained.
func followLog(ctx context.Context, w io.Writer, path string, done func() bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	for {
		finished := done()
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		if finished {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(followLogPoll):
		}
	}
}
