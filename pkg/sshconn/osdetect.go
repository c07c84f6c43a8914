package sshconn

import (
	"context"
	"strings"
	"time"

	"github.com/darkhound/darkhound/pkg/models"
)

// DetectOS probes the remote OS right after connect. It is best-effort:
// probe failures yield OSUnknown and never fail the connection.
//
// Probe order: `uname -s` identifies Linux and macOS; a Windows host has
// no uname, so `cmd /c ver` is tried next.
func DetectOS(ctx context.Context, c *Client) models.OSTag {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := c.Exec(probeCtx, ExecRequest{
		CommandID: "os-detect-uname",
		Command:   "uname -s",
		Timeout:   5 * time.Second,
		Quiet:     true,
	})
	if err == nil && res.ExitCode == "0" {
		if tag := classifyUname(string(res.Stdout)); tag != models.OSUnknown {
			return tag
		}
	}

	res, err = c.Exec(probeCtx, ExecRequest{
		CommandID: "os-detect-ver",
		Command:   "cmd /c ver",
		Timeout:   5 * time.Second,
		Quiet:     true,
	})
	if err == nil && res.ExitCode == "0" &&
		strings.Contains(strings.ToLower(string(res.Stdout)), "windows") {
		return models.OSWindows
	}

	return models.OSUnknown
}

// classifyUname maps `uname -s` output to an OS tag.
func classifyUname(out string) models.OSTag {
	switch strings.ToLower(strings.TrimSpace(out)) {
	case "linux":
		return models.OSLinux
	case "darwin":
		return models.OSMacOS
	default:
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "cygwin") ||
			strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "mingw") {
			return models.OSWindows
		}
		return models.OSUnknown
	}
}
