// Package procman spawns a child process per command and supervises it
// against cooperative cancellation, racing child completion against a
// cancel signal the way the pipeline supervisor and procedure runner
// require.
package procman

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/Danktronics/Influo/internal/shell"
)

// Command is the cooperative-cancellation signal sent down a pipeline's or
// procedure's command channel. KillProcedure is currently its only variant;
// modeled as a type (rather than a bare struct{}) so the channel keeps the
// "first-class signal" framing even though there is only one case today.
type Command int

const (
	// KillProcedure asks the receiving task to stop at its next suspension
	// point and terminate its child process.
	KillProcedure Command = iota
)

// Child is a spawned command's process plus its captured output streams.
type Child struct {
	Cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Spawn starts commandLine in cwd. Stdout/stderr are captured as separate
// pipes so the log renderer can tag lines by originating stream.
func Spawn(commandLine, cwd string) (*Child, error) {
	cmd, stdout, stderr, err := shell.Spawn(commandLine, cwd)
	if err != nil {
		return nil, err
	}
	return &Child{Cmd: cmd, Stdout: stdout, Stderr: stderr}, nil
}

// Outcome is the result of supervising a child to completion or
// cancellation.
type Outcome struct {
	// Cancelled is true iff a KillProcedure arrived before the child exited.
	Cancelled bool
	// Success is only meaningful when !Cancelled and CodeKnown.
	Success bool
	// CodeKnown is false when the child terminated abnormally (e.g. killed
	// by a signal) with no retrievable exit code.
	CodeKnown bool
	Code      int
}

// completion is the result delivered by the child-completion producer.
type completion struct {
	success   bool
	codeKnown bool
	code      int
}

// Supervise races child completion against cancel, implementing the
// contract: whichever producer fires first decides the return. On
// cancellation, Supervise does not itself kill the child -- the caller must
// do so explicitly and treat a kill failure as a warning, not an error,
// since the child may have already exited naturally.
func Supervise(child *Child, cancel <-chan Command) Outcome {
	done := make(chan completion, 1)
	go func() {
		err := child.Cmd.Wait()
		if err == nil {
			done <- completion{success: true, codeKnown: true, code: 0}
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if code < 0 {
				// Terminated by signal: no close code is retrievable.
				done <- completion{codeKnown: false}
				return
			}
			done <- completion{success: false, codeKnown: true, code: code}
			return
		}
		// Could not even start waiting meaningfully (e.g. I/O error unrelated
		// to exit status); treat as a missing close code.
		done <- completion{codeKnown: false}
	}()

	select {
	case c := <-done:
		if !c.codeKnown {
			return Outcome{CodeKnown: false}
		}
		return Outcome{Success: c.success, CodeKnown: true, Code: c.code}
	case <-cancel:
		return Outcome{Cancelled: true}
	}
}

// Kill best-effort terminates a child's process. A failure here is always a
// warning to the caller, never a hard error: the child may have exited
// naturally between the cancel signal and the kill attempt, which is an
// expected, idempotent outcome rather than a failure to honor the kill.
func Kill(child *Child) error {
	if child == nil || child.Cmd == nil || child.Cmd.Process == nil {
		return nil
	}
	err := child.Cmd.Process.Kill()
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return fmt.Errorf("kill child: %w", err)
}
