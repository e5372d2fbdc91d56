package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/internal/dispatch"
	"github.com/3leaps/viamerun/internal/observability"
	"github.com/3leaps/viamerun/pkg/preflight"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the VIAME install and the local environment.

Examples:
  viamerun doctor                 # Full environment check
  viamerun doctor --provider s3   # Also check S3 credentials for publishing

When publish.destination is configured, doctor also writes and removes a
probe object there.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")
	log.Info("")

	svc, err := newServices()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot load configuration", err)
	}

	allChecks := true
	checkNum := 1
	totalChecks := 6
	dest := svc.cfg.Publish.Destination
	if dest != "" {
		totalChecks++
	}
	if doctorProvider == "s3" {
		totalChecks += 3
	}
	step := func(name string) string {
		s := fmt.Sprintf("[%d/%d] Checking %s...", checkNum, totalChecks, name)
		checkNum++
		return s
	}

	goVersion := runtime.Version()
	log.Info(step("Go runtime")+" ✅ "+goVersion, zap.String("go_version", goVersion))

	version := crucible.GetVersion()
	if version.Crucible != "" && version.Gofulmen != "" {
		log.Info(fmt.Sprintf("%s ✅ crucible v%s, gofulmen v%s", step("Fulmen libraries"), version.Crucible, version.Gofulmen))
	} else {
		log.Warn(step("Fulmen libraries") + " ⚠️  version metadata unavailable")
		allChecks = false
	}

	viamePath := svc.cfg.Viame.Path
	setup := svc.platform.SetupScript(viamePath)
	if _, err := os.Stat(setup); err != nil {
		log.Error(step("VIAME setup script")+" ❌ "+setup, zap.Error(err))
		log.Info("  Set viame.path in the config file, VIAMERUN_VIAME_PATH, or --viame-path")
		allChecks = false
	} else {
		log.Info(step("VIAME setup script")+" ✅ "+setup, zap.String("viame_path", viamePath))
	}

	if err := svc.backend.ValidateInstall(cmd.Context()); err != nil {
		log.Error(step("VIAME install")+" ❌ kwiver did not start", zap.Error(err))
		allChecks = false
	} else {
		log.Info(step("VIAME install") + " ✅ kwiver available")
	}

	gpu := svc.backend.NvidiaSMI(cmd.Context())
	if gpu.Available() {
		log.Info(fmt.Sprintf("%s ✅ %d GPU(s), driver %s", step("GPU"), gpu.AttachedGPUs, gpu.DriverVersion),
			zap.Strings("products", gpu.Products))
	} else {
		// Pipelines still run on CPU.
		log.Warn(step("GPU")+" ⚠️  no NVIDIA GPU detected", zap.String("detail", gpu.Error))
	}

	dataPath := svc.cfg.Data.Path
	if err := checkWritable(dataPath); err != nil {
		log.Error(step("data directory")+" ❌ "+dataPath, zap.Error(err))
		allChecks = false
	} else {
		log.Info(step("data directory")+" ✅ "+dataPath, zap.String("data_path", dataPath))
	}

	if dest != "" {
		probe := dispatch.New(svc.backend, dispatch.WithLogger(svc.logger), dispatch.WithPreflight(preflight.ModeWriteProbe))
		if err := probe.Preflight(cmd.Context(), svc.publishDefaults()); err != nil {
			log.Error(step("publish destination")+" ❌ "+dest, zap.Error(err))
			allChecks = false
		} else {
			log.Info(step("publish destination")+" ✅ "+dest+" is writable", zap.String("destination", dest))
		}
	}

	if doctorProvider == "s3" {
		if !runS3Checks(cmd.Context(), checkNum, totalChecks) {
			allChecks = false
		}
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
	if !allChecks {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("one or more checks failed"))
	}
	return nil
}

// checkWritable creates dir if needed and probes it with a temp file.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".viamerun-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

// runS3Checks verifies credentials for s3:// publish destinations.
func runS3Checks(ctx context.Context, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Publish Checks:")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))
	checkNum++

	// Off EC2 this only informs; the region then comes from config or env.
	imdsCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	region, err := imds.NewFromConfig(cfg).GetRegion(imdsCtx, &imds.GetRegionInput{})
	if err != nil {
		log.Info(fmt.Sprintf("[%d/%d] Checking instance metadata... ➖ not on EC2", checkNum, totalChecks),
			zap.String("configured_region", cfg.Region))
		return true
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking instance metadata... ✅ region %s", checkNum, totalChecks, region.Region),
		zap.String("instance_region", region.Region))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	log.Info("  - publish.endpoint in the config file, or VIAMERUN_PUBLISH_ENDPOINT")
	log.Info("")
}
