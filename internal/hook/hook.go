// Package hook implements the external hook protocol: executables in a
// configured directory are offered events and answer with their exit code.
package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Events offered to hooks.
const (
	EventChallengeDNSStart  = "challenge-dns-start"
	EventChallengeDNSStop   = "challenge-dns-stop"
	EventChallengeHTTPStart = "challenge-http-start"
	EventChallengeHTTPStop  = "challenge-http-stop"
	EventLiveUpdated        = "live-updated"
)

// exitIgnored is the exit code a hook uses to signal an event is not its to
// handle: neither acceptance nor failure.
const exitIgnored = 42

// Runner invokes the hooks in one directory.
type Runner struct {
	dir    string
	logger *slog.Logger
}

// NewRunner returns a runner over dir. The directory may be absent, in which
// case no event is ever accepted.
func NewRunner(dir string, logger *slog.Logger) *Runner {
	return &Runner{dir: dir, logger: logger.With("component", "hook")}
}

// Run offers an event to every executable in the hooks directory, in
// directory-listing order, with argv (event, domain, "", extra). stdin, when
// non-nil, is fed to each hook's standard input; otherwise hooks read from
// /dev/null. Every hook is invoked even after one accepts; the event counts
// as accepted if at least one hook exits 0. Hook failures are logged, never
// fatal.
func (r *Runner) Run(ctx context.Context, event, domain, extra string, stdin []byte) (bool, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hook: list %s: %w", r.dir, err)
	}

	accepted := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}

		name := e.Name()
		cmd := exec.CommandContext(ctx, filepath.Join(r.dir, name), event, domain, "", extra)
		if stdin != nil {
			cmd.Stdin = bytes.NewReader(stdin)
		}
		out, err := cmd.CombinedOutput()
		switch {
		case err == nil:
			r.logger.Debug("hook accepted event", "hook", name, "event", event, "domain", domain)
			accepted = true
		case exitCode(err) == exitIgnored:
			r.logger.Debug("hook ignored event", "hook", name, "event", event, "domain", domain)
		default:
			r.logger.Warn("hook failed", "hook", name, "event", event, "domain", domain,
				"error", err, "output", string(bytes.TrimSpace(out)))
		}
	}
	return accepted, nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
