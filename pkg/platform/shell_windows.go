//go:build windows

package platform

import (
	"context"
	"os/exec"
	"syscall"
)

// cmd.exe does its own parsing of the command tail, so the line is passed
// verbatim instead of through Go's argument escaping.
func windowsShellCommand(ctx context.Context, line string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "cmd.exe")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine: `cmd.exe /d /s /c "` + line + `"`,
	}
	return cmd
}
