//go:build !windows

package platform

import (
	"context"
	"os/exec"
)

func windowsShellCommand(ctx context.Context, line string) *exec.Cmd {
	return exec.CommandContext(ctx, "cmd.exe", "/d", "/s", "/c", line)
}
