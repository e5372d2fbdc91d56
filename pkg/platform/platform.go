// Package platform describes how VIAME tooling is invoked on each supported
// operating system.
//
// Linux and Windows installs differ in their setup script, shell, path
// separator, quoting rules and executable names. Everything above this
// package builds command lines through a Platform and never branches on the
// OS itself.
package platform

import (
	"context"
	"os"
	"os/exec"
	"path"
	"runtime"
	"strings"
)

// Tool names a vendor executable.
type Tool string

const (
	ToolKwiver    Tool = "kwiver"
	ToolTrainer   Tool = "viame_train_detector"
	ToolFFmpeg    Tool = "ffmpeg"
	ToolFFprobe   Tool = "ffprobe"
	ToolNvidiaSMI Tool = "nvidia-smi"
)

// Platform is implemented by Linux and Windows.
type Platform interface {
	// Name is "linux" or "windows".
	Name() string

	// Join joins path elements with the platform separator.
	Join(elem ...string) string

	// Quote quotes one argument for the platform shell.
	Quote(arg string) string

	// SetupScript is the activation script inside an install.
	SetupScript(viamePath string) string

	// SourceSetup is the shell fragment that activates an install. Command
	// lines chain it with "&&".
	SourceSetup(viamePath string) string

	// Executable is the invocation name of a tool once the install is
	// active. ffmpeg and ffprobe resolve to the copies bundled with VIAME.
	Executable(viamePath string, tool Tool) string

	// NvidiaSMICandidates lists the GPU query binaries to try in order.
	NvidiaSMICandidates() []string

	// InstallCheck is run after SourceSetup to prove the runner resolves.
	InstallCheck() string

	// VideoTranscodeArgs are the ffmpeg codec flags for web-safe video.
	VideoTranscodeArgs() []string

	// DefaultViamePath is the standard install location.
	DefaultViamePath() string

	// Command builds the process that runs a shell line.
	Command(ctx context.Context, line string) *exec.Cmd
}

// Current returns the adapter for the running OS.
func Current() Platform {
	return ForOS(runtime.GOOS)
}

// ForOS returns the adapter for goos. Anything other than windows is treated
// as a POSIX install.
func ForOS(goos string) Platform {
	if goos == "windows" {
		return Windows{}
	}
	return Linux{}
}

// Linux is the POSIX adapter: bash, setup_viame.sh, forward slashes.
type Linux struct{}

func (Linux) Name() string { return "linux" }

func (Linux) Join(elem ...string) string {
	return path.Join(elem...)
}

// Quote wraps arg in single quotes, escaping embedded single quotes.
func (Linux) Quote(arg string) string {
	if arg == "" {
		return "''"
	}
	if !strings.ContainsAny(arg, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func (l Linux) SetupScript(viamePath string) string {
	return l.Join(viamePath, "setup_viame.sh")
}

func (l Linux) SourceSetup(viamePath string) string {
	return "source " + l.Quote(l.SetupScript(viamePath))
}

func (l Linux) Executable(viamePath string, tool Tool) string {
	switch tool {
	case ToolFFmpeg, ToolFFprobe:
		return l.Quote(l.Join(viamePath, "bin", string(tool)))
	default:
		return string(tool)
	}
}

func (Linux) NvidiaSMICandidates() []string {
	return []string{"nvidia-smi"}
}

func (Linux) InstallCheck() string { return "which kwiver" }

func (Linux) VideoTranscodeArgs() []string {
	return []string{"-c:v", "h264", "-c:a", "copy"}
}

func (Linux) DefaultViamePath() string { return "/opt/noaa/viame" }

func (Linux) Command(ctx context.Context, line string) *exec.Cmd {
	return exec.CommandContext(ctx, "/bin/bash", "-c", line)
}

// Windows is the cmd.exe adapter: setup_viame.bat, backslashes, .exe tools.
type Windows struct{}

func (Windows) Name() string { return "windows" }

func (Windows) Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		e = strings.ReplaceAll(e, "/", `\`)
		if e == "" {
			continue
		}
		if len(parts) > 0 {
			e = strings.TrimLeft(e, `\`)
		}
		if len(parts) > 0 && !strings.HasSuffix(parts[len(parts)-1], `\`) {
			parts = append(parts, `\`)
		}
		parts = append(parts, e)
	}
	return strings.Join(parts, "")
}

// Quote wraps arg in double quotes. cmd.exe has no escape for an embedded
// double quote, so those are dropped.
func (Windows) Quote(arg string) string {
	return `"` + strings.ReplaceAll(arg, `"`, "") + `"`
}

func (w Windows) SetupScript(viamePath string) string {
	return w.Join(viamePath, "setup_viame.bat")
}

func (w Windows) SourceSetup(viamePath string) string {
	return w.Quote(w.SetupScript(viamePath))
}

func (w Windows) Executable(viamePath string, tool Tool) string {
	switch tool {
	case ToolFFmpeg, ToolFFprobe:
		return w.Quote(w.Join(viamePath, "bin", string(tool)+".exe"))
	default:
		return string(tool) + ".exe"
	}
}

func (w Windows) NvidiaSMICandidates() []string {
	programFiles := os.Getenv("ProgramFiles")
	if programFiles == "" {
		programFiles = `C:\Program Files`
	}
	return []string{
		"nvidia-smi",
		w.Join(programFiles, "NVIDIA Corporation", "NVSMI", "nvidia-smi.exe"),
	}
}

func (Windows) InstallCheck() string { return "kwiver.exe help" }

func (Windows) VideoTranscodeArgs() []string {
	return []string{"-c:v", "libx264", "-preset", "slow", "-crf", "26", "-c:a", "copy"}
}

func (Windows) DefaultViamePath() string { return `C:\Program Files\VIAME` }

func (Windows) Command(ctx context.Context, line string) *exec.Cmd {
	return windowsShellCommand(ctx, line)
}

// CommandLine joins a program and its already-quoted arguments.
func CommandLine(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// Chain joins shell fragments so each runs only if the previous succeeded.
func Chain(fragments ...string) string {
	return strings.Join(fragments, " && ")
}
