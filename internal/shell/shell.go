// Package shell spawns the child process behind a single pipeline command
// line, dispatching between Windows and POSIX the way a shell-hosted CD
// command runner must: no shell interpolation beyond word splitting.
package shell

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"github.com/buildkite/shellwords"
)

// ErrSpawnFailed wraps any failure to start a child for a command.
var ErrSpawnFailed = fmt.Errorf("spawn failed")

// BuildCommand constructs (but does not start) the *exec.Cmd for one
// pipeline command line, rooted at cwd.
//
// On Windows the line is handed to "cmd /C" verbatim. On POSIX it is split
// with POSIX shell word rules and the first token executed directly --
// deliberately not "sh -c", so child signal semantics stay clean and no
// pipes, redirects, or shell expansion are honored beyond word splitting.
func BuildCommand(commandLine, cwd string) (*exec.Cmd, error) {
	if runtime.GOOS == "windows" {
		cmd := exec.Command("cmd", "/C", commandLine)
		cmd.Dir = cwd
		return cmd, nil
	}

	tokens, err := shellwords.Split(commandLine)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSpawnFailed, commandLine, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: %q: empty command line", ErrSpawnFailed, commandLine)
	}

	cmd := exec.Command(tokens[0], tokens[1:]...)
	cmd.Dir = cwd
	return cmd, nil
}

// Spawn builds and starts the child for commandLine in cwd, with stdout and
// stderr captured as separate pipes (never merged into a pty: the log
// renderer must tag each line by its originating stream).
func Spawn(commandLine, cwd string) (cmd *exec.Cmd, stdout, stderr io.ReadCloser, err error) {
	c, err := BuildCommand(commandLine, cwd)
	if err != nil {
		return nil, nil, nil, err
	}

	stdoutPipe, err := c.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %q: stdout pipe: %v", ErrSpawnFailed, commandLine, err)
	}
	stderrPipe, err := c.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %q: stderr pipe: %v", ErrSpawnFailed, commandLine, err)
	}

	if err := c.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %q: %v", ErrSpawnFailed, commandLine, err)
	}

	return c, stdoutPipe, stderrPipe, nil
}
