// Package procedure executes one procedure's command list sequentially,
// applying its AutoRestartPolicy to exit codes and cooperating with a
// per-procedure cancel channel.
package procedure

import (
	"time"

	"github.com/Danktronics/Influo/internal/config"
	"github.com/Danktronics/Influo/internal/logging"
	"github.com/Danktronics/Influo/internal/logrender"
	"github.com/Danktronics/Influo/internal/metrics"
	"github.com/Danktronics/Influo/internal/procman"
)

var log = logging.New("procedure")

// Result is the terminal outcome of one procedure run.
type Result int

const (
	// Success means every command in the procedure exited zero.
	Success Result = iota
	// SpawnFailed means a child could not be started.
	SpawnFailed
	// Failed means a command exited non-zero, auto_restart did not call for
	// a restart, and the subsequent best-effort kill succeeded (or the
	// child had already exited).
	Failed
	// ChildKillFail means auto_restart forbade a restart and the final
	// best-effort kill of the failing child itself failed.
	ChildKillFail
	// ChildEndMissingCloseCode means a child terminated with no retrievable
	// exit code (e.g. killed by a signal).
	ChildEndMissingCloseCode
	// Cancelled means a KillProcedure arrived before the procedure finished.
	Cancelled
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case SpawnFailed:
		return "spawn_failed"
	case Failed:
		return "failed"
	case ChildKillFail:
		return "child_kill_fail"
	case ChildEndMissingCloseCode:
		return "child_end_missing_close_code"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// restartBackoffInitial and restartBackoffMax bound the delay inserted
// between consecutive restarts of a command whenever its AutoRestartPolicy
// calls for a restart, so a command that fails forever cannot busy-loop the
// CPU.
const (
	restartBackoffInitial = 250 * time.Millisecond
	restartBackoffMax     = 10 * time.Second
)

// Input bundles everything one procedure task needs to run.
type Input struct {
	Path         string
	PipelineName string
	StageName    string
	BranchName   string
	CommitShort  string
	Procedure    config.Procedure
	PipelineLog  *config.Log
	DefaultLogPath string
	Cancel       <-chan procman.Command
	Metrics      metrics.Recorder
	Start        time.Time
}

// sleepFunc is replaced in tests to avoid real delays during restart
// backoff.
var sleepFunc = time.Sleep

// Run executes Input.Procedure.Commands sequentially until it succeeds,
// exhausts its auto-restart policy, or is cancelled.
func Run(in Input) Result {
	connectionID := in.Procedure.ConnectionID(in.PipelineName)

	if len(in.Procedure.Commands) == 0 {
		return Success
	}

	backoff := restartBackoffInitial
	i := 0
	for i < len(in.Procedure.Commands) {
		select {
		case <-in.Cancel:
			return Cancelled
		default:
		}

		commandLine := in.Procedure.Commands[i]
		child, err := procman.Spawn(commandLine, in.Path)
		if err != nil {
			log.Error("spawn failed", "procedure", connectionID, "command", commandLine, "error", err)
			return SpawnFailed
		}

		sink := logrender.NewSink(logrender.Config{
			ProcedureTemplate: in.Procedure.LogTemplate,
			PipelineTemplate:  pipelineTemplate(in.PipelineLog),
			PipelineName:      in.PipelineName,
			StageName:         in.StageName,
			Command:           commandLine,
			Path:              in.Path,
			Start:             in.Start,
			Log:               in.PipelineLog,
			DefaultLogPath:    in.DefaultLogPath,
			Branch:            in.BranchName,
			CommitShort:       in.CommitShort,
			ConnectionID:      connectionID,
		})
		go logrender.PumpLines(child.Stdout, logrender.Stdout, sink)
		go logrender.PumpLines(child.Stderr, logrender.Stderr, sink)

		outcome := procman.Supervise(child, in.Cancel)

		switch {
		case outcome.Cancelled:
			if err := procman.Kill(child); err != nil {
				log.Warn("best-effort kill after cancel failed", "procedure", connectionID, "error", err)
			}
			_ = sink.Close()
			return Cancelled

		case !outcome.CodeKnown:
			_ = procman.Kill(child)
			_ = sink.Close()
			return ChildEndMissingCloseCode

		case outcome.Success:
			_ = sink.Close()
			i++
			backoff = restartBackoffInitial
			continue

		default: // completed, non-zero exit
			if in.Procedure.AutoRestart.ShouldRestart(outcome.Code) {
				if in.Metrics != nil {
					in.Metrics.IncProcedureRestart(connectionID)
				}
				log.Debug("restarting command", "procedure", connectionID, "command", commandLine, "code", outcome.Code)
				_ = sink.Close()
				sleepFunc(backoff)
				if backoff < restartBackoffMax {
					backoff *= 2
					if backoff > restartBackoffMax {
						backoff = restartBackoffMax
					}
				}
				continue
			}
			if err := procman.Kill(child); err != nil {
				log.Warn("best-effort kill of non-restarting failure failed", "procedure", connectionID, "error", err)
				_ = sink.Close()
				return ChildKillFail
			}
			_ = sink.Close()
			return Failed
		}
	}

	return Success
}

func pipelineTemplate(l *config.Log) string {
	if l == nil {
		return ""
	}
	return l.Template
}
