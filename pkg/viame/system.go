package viame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/platform"
	"github.com/3leaps/viamerun/pkg/probe"
)

var (
	nvidiaSMIProber = probe.MustNew(probe.NvidiaSMI())
	ffprobeProber   = probe.MustNew(probe.FFprobe())
)

// ValidateInstall checks that the setup script exists and that the runner
// resolves once it has been sourced.
func (b *Backend) ValidateInstall(ctx context.Context) error {
	if err := jobs.CheckPrerequisites([]jobs.Prerequisite{b.setupPrerequisite()}); err != nil {
		return err
	}
	line := platform.Chain(b.platform.SourceSetup(b.viamePath()), b.platform.InstallCheck())
	stdout, stderr, err := b.runSync(ctx, line)
	if err != nil {
		b.logger.Debug("Install check failed",
			zap.String("viame_path", b.viamePath()),
			zap.ByteString("stdout", stdout),
			zap.ByteString("stderr", stderr),
			zap.Error(err))
		return ErrInstallInvalid
	}
	return nil
}

// GPUReport summarizes `nvidia-smi -q -x`.
type GPUReport struct {
	ExitCode      int      `json:"exitCode"`
	DriverVersion string   `json:"driverVersion,omitempty"`
	CUDAVersion   string   `json:"cudaVersion,omitempty"`
	AttachedGPUs  int      `json:"attachedGpus"`
	Products      []string `json:"products,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Available reports whether at least one GPU answered.
func (r GPUReport) Available() bool {
	return r.ExitCode == 0 && r.AttachedGPUs > 0
}

// NvidiaSMI queries the GPUs. Candidates are tried in order until one can
// be started; a report with exit code -1 means none could.
func (b *Backend) NvidiaSMI(ctx context.Context) GPUReport {
	var spawnErr error
	for _, bin := range b.nvidiaSMI {
		var stdout, stderr strings.Builder
		cmd := exec.CommandContext(ctx, bin, "-q", "-x")
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			return parseNvidiaSMI(stdout.String())
		case errors.As(err, &exitErr):
			return GPUReport{
				ExitCode: exitErr.ExitCode(),
				Error:    strings.TrimSpace(stdout.String() + stderr.String()),
			}
		default:
			spawnErr = err
			b.logger.Debug("nvidia-smi candidate unavailable", zap.String("bin", bin), zap.Error(err))
		}
	}
	msg := "nvidia-smi not found"
	if spawnErr != nil {
		msg = spawnErr.Error()
	}
	return GPUReport{ExitCode: -1, Error: msg}
}

func parseNvidiaSMI(xml string) GPUReport {
	fields, err := nvidiaSMIProber.Probe([]byte(xml))
	if err != nil {
		return GPUReport{ExitCode: 0, Error: fmt.Sprintf("parse nvidia-smi output: %v", err)}
	}
	count, _ := strconv.Atoi(fields.First(probe.FieldAttachedGPUs))
	return GPUReport{
		ExitCode:      0,
		DriverVersion: fields.First(probe.FieldDriverVersion),
		CUDAVersion:   fields.First(probe.FieldCUDAVersion),
		AttachedGPUs:  count,
		Products:      fields[probe.FieldProductName],
	}
}

// MediaInfo is the ffprobe summary of a media file.
type MediaInfo struct {
	Path       string   `json:"path"`
	Websafe    bool     `json:"websafe"`
	FormatName string   `json:"formatName,omitempty"`
	Duration   string   `json:"duration,omitempty"`
	Codecs     []string `json:"codecs,omitempty"`
}

type ffprobeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

// CheckMedia probes file with the install's ffprobe. A file is web-safe
// when one of its video streams is h264.
func (b *Backend) CheckMedia(ctx context.Context, file string) (*MediaInfo, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("media file: %w", err)
	}
	if err := jobs.CheckPrerequisites([]jobs.Prerequisite{b.setupPrerequisite()}); err != nil {
		return nil, err
	}
	line := b.activated(
		b.exe(platform.ToolFFprobe),
		"-print_format", "json",
		"-v", "quiet",
		"-show_format",
		"-show_streams",
		b.platform.Quote(file),
	)
	stdout, _, runErr := b.runSync(ctx, line)

	doc, ok := probe.JSONObject(stdout)
	if !ok {
		if runErr != nil {
			return nil, fmt.Errorf("ffprobe %s: %w", file, runErr)
		}
		return nil, fmt.Errorf("ffprobe %s: no JSON in output", file)
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}

	info := &MediaInfo{Path: file}
	for _, s := range parsed.Streams {
		if s.CodecType == "video" && s.CodecName == "h264" {
			info.Websafe = true
		}
	}
	if fields, err := ffprobeProber.Probe(doc); err == nil {
		info.FormatName = fields.First(probe.FieldFormatName)
		info.Duration = fields.First(probe.FieldDuration)
		info.Codecs = fields[probe.FieldCodecNames]
	}
	return info, nil
}
