// Package supervisor walks a pipeline's ordered stages, fanning each
// stage's procedures out concurrently and propagating cancellation from the
// pipeline to its currently-running procedures.
package supervisor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Danktronics/Influo/internal/config"
	"github.com/Danktronics/Influo/internal/gitutil"
	"github.com/Danktronics/Influo/internal/logging"
	"github.com/Danktronics/Influo/internal/metrics"
	"github.com/Danktronics/Influo/internal/procedure"
	"github.com/Danktronics/Influo/internal/procman"
)

var log = logging.New("supervisor")

// Input bundles everything one pipeline-supervisor task needs.
type Input struct {
	ProjectURL        string
	DefaultDeployPath string
	DefaultLogPath    string
	Pipeline          config.Pipeline
	BranchIndex       int
	CommitShort       string
	Cancel            <-chan procman.Command
	Metrics           metrics.Recorder
}

// Result is the terminal outcome of one pipeline run.
type Result int

const (
	Success Result = iota
	WorkspaceFailed
	StageFailed
	Cancelled
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case WorkspaceFailed:
		return "workspace_failed"
	case StageFailed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Run executes a full pipeline: prepares the workspace, then walks
// pipeline.StagesOrder strictly in sequence, fanning each stage's
// procedures out concurrently and awaiting all of them before moving to the
// next stage.
func Run(in Input) Result {
	runID := uuid.New().String()
	branch := in.Pipeline.Branches[in.BranchIndex]
	start := time.Now()

	workingDir, repoName, err := gitutil.PrepareWorkspace(in.ProjectURL, in.DefaultDeployPath, in.Pipeline.Name, branch)
	if err != nil {
		log.Error("workspace preparation failed", "run_id", runID, "pipeline", in.Pipeline.Name, "branch", branch, "error", err)
		recordResult(in.Metrics, in.Pipeline.Name, WorkspaceFailed)
		return WorkspaceFailed
	}

	pipelineLogPath := in.DefaultLogPath
	if repoName != "" {
		pipelineLogPath = joinPath(in.DefaultLogPath, repoName)
	}

	if in.Metrics != nil {
		in.Metrics.IncPipelineLaunched(in.Pipeline.Name, branch)
	}

	for _, stageName := range in.Pipeline.StagesOrder {
		stage, ok := in.Pipeline.Stages[stageName]
		if !ok {
			log.Error("stage named in stages_order has no definition", "run_id", runID, "pipeline", in.Pipeline.Name, "stage", stageName)
			continue
		}

		stageStart := time.Now()
		result := runStage(runStageInput{
			runID:          runID,
			workingDir:     workingDir,
			pipelineName:   in.Pipeline.Name,
			stageName:      stageName,
			branch:         branch,
			commitShort:    in.CommitShort,
			procedures:     stage.Procedures(),
			pipelineLog:    in.Pipeline.Log,
			defaultLogPath: pipelineLogPath,
			cancel:         in.Cancel,
			metrics:        in.Metrics,
			start:          start,
		})

		if in.Metrics != nil {
			in.Metrics.ObserveStageDuration(in.Pipeline.Name, stageName, time.Since(stageStart))
		}

		switch result {
		case stageResultCancelled:
			recordResult(in.Metrics, in.Pipeline.Name, Cancelled)
			return Cancelled
		case stageResultFailed:
			recordResult(in.Metrics, in.Pipeline.Name, StageFailed)
			return StageFailed
		}
	}

	recordResult(in.Metrics, in.Pipeline.Name, Success)
	return Success
}

func recordResult(m metrics.Recorder, pipeline string, r Result) {
	if m == nil {
		return
	}
	m.IncPipelineResult(pipeline, r.String())
}

func joinPath(base, elem string) string {
	if base == "" {
		return elem
	}
	return base + "/" + elem
}

type stageResult int

const (
	stageResultSuccess stageResult = iota
	stageResultFailed
	stageResultCancelled
)

type procOutcome struct {
	name   string
	result procedure.Result
}

type runStageInput struct {
	runID          string
	workingDir     string
	pipelineName   string
	stageName      string
	branch         string
	commitShort    string
	procedures     []config.Procedure
	pipelineLog    *config.Log
	defaultLogPath string
	cancel         <-chan procman.Command
	metrics        metrics.Recorder
	start          time.Time
}

// runStage fans procedures out concurrently, broadcasting cancellation to
// every running procedure cancel channel if the pipeline-level cancel fires
// first.
func runStage(in runStageInput) stageResult {
	senders := make(map[string][]chan procman.Command, len(in.procedures))
	outcomes := make(chan procOutcome, len(in.procedures))

	var wg sync.WaitGroup
	for _, proc := range in.procedures {
		connID := proc.ConnectionID(in.pipelineName)
		cancelCh := make(chan procman.Command, 1)
		senders[connID] = append(senders[connID], cancelCh)

		wg.Add(1)
		go func(p config.Procedure, id string, cancel chan procman.Command) {
			defer wg.Done()
			r := procedure.Run(procedure.Input{
				Path:           in.workingDir,
				PipelineName:   in.pipelineName,
				StageName:      in.stageName,
				BranchName:     in.branch,
				CommitShort:    in.commitShort,
				Procedure:      p,
				PipelineLog:    in.pipelineLog,
				DefaultLogPath: in.defaultLogPath,
				Cancel:         cancel,
				Metrics:        in.metrics,
				Start:          in.start,
			})
			outcomes <- procOutcome{name: id, result: r}
		}(proc, connID, cancelCh)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	results := make([]procOutcome, 0, len(in.procedures))
	for {
		select {
		case o := <-outcomes:
			results = append(results, o)
			if len(results) == len(in.procedures) {
				return summarize(results)
			}

		case <-in.cancel:
			for id, chans := range senders {
				for _, sender := range chans {
					select {
					case sender <- procman.KillProcedure:
					default:
						log.Debug("cancel send to already-closed procedure ignored", "run_id", in.runID, "procedure", id)
					}
				}
			}
			<-allDone
			return stageResultCancelled
		}
	}
}

func summarize(results []procOutcome) stageResult {
	for _, r := range results {
		if r.result == procedure.Cancelled {
			return stageResultCancelled
		}
	}
	for _, r := range results {
		switch r.result {
		case procedure.Success:
		default:
			return stageResultFailed
		}
	}
	return stageResultSuccess
}
