// Package updater implements the polling loop that diffs each configured
// project's remote branch heads against its cached heads and launches (or
// preempts) pipeline supervisors for every change.
package updater

import (
	"context"
	"time"

	"github.com/Danktronics/Influo/internal/config"
	"github.com/Danktronics/Influo/internal/gitutil"
	"github.com/Danktronics/Influo/internal/logging"
	"github.com/Danktronics/Influo/internal/metrics"
	"github.com/Danktronics/Influo/internal/registry"
	"github.com/Danktronics/Influo/internal/state"
	"github.com/Danktronics/Influo/internal/supervisor"
)

var log = logging.New("updater")

// Run blocks, polling every project on a ticker derived from
// shared.UpdateInterval(), until ctx is cancelled. Each tick's scan and
// spawn decisions run under the shared state lock; sleeping between ticks
// does not.
func Run(ctx context.Context, shared *state.Shared, metricsRecorder metrics.Recorder) {
	for {
		interval := time.Duration(shared.UpdateInterval()) * time.Second
		tick(shared, metricsRecorder)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// tick performs one full scan-and-launch pass across every configured
// project.
func tick(shared *state.Shared, metricsRecorder metrics.Recorder) {
	shared.Write(func(cfg *config.Configuration, reg *registry.Registry) {
		for i := range cfg.Projects {
			scanProject(cfg, reg, i, metricsRecorder, cfg.DefaultDeployPath, cfg.DefaultLogPath)
		}
		reg.Prune()
	})
}

// scanProject lists remote heads for cfg.Projects[idx], diffs them against
// its cached branches, launches (preempting as needed) every automatic
// pipeline watching a changed branch, and finally replaces the project's
// branch cache -- after all launch decisions, per the at-least-once launch
// invariant: a crash between list_heads and the cache update simply
// reprocesses the same change on the next tick.
func scanProject(cfg *config.Configuration, reg *registry.Registry, idx int, metricsRecorder metrics.Recorder, defaultDeployPath, defaultLogPath string) {
	project := &cfg.Projects[idx]

	heads, err := gitutil.ListHeads(project.URL)
	if err != nil {
		log.Warn("list remote heads failed, skipping project this tick", "url", project.URL, "error", err)
		return
	}

	for _, head := range heads {
		previous, known := project.Branches[head.Name]
		if known && previous == head.Commit {
			continue
		}

		for pi := range project.Pipelines {
			pipeline := &project.Pipelines[pi]
			branchIndex := indexOf(pipeline.Branches, head.Name)
			if branchIndex < 0 {
				continue
			}
			if pipeline.Condition != config.ConditionAutomatic {
				continue
			}
			if len(pipeline.Stages) == 0 {
				continue
			}

			launch(project, pipeline, branchIndex, head.Commit, reg, metricsRecorder, defaultDeployPath, defaultLogPath)
		}
	}

	newBranches := make(map[string]string, len(heads))
	for _, h := range heads {
		newBranches[h.Name] = h.Commit
	}
	project.Branches = newBranches
}

func indexOf(haystack []string, needle string) int {
	for i, v := range haystack {
		if v == needle {
			return i
		}
	}
	return -1
}

// launch preempts any existing connection for (project.URL, branch,
// pipeline.Name), installs a new one, and spawns the pipeline supervisor as
// a detached goroutine.
func launch(project *config.Project, pipeline *config.Pipeline, branchIndex int, commit string, reg *registry.Registry, metricsRecorder metrics.Recorder, defaultDeployPath, defaultLogPath string) {
	branch := pipeline.Branches[branchIndex]
	id := registry.Identity{RemoteURL: project.URL, Branch: branch, Pipeline: pipeline.Name}

	if existing, ok := reg.Lookup(id); ok && !existing.IsClosed() {
		if metricsRecorder != nil {
			metricsRecorder.IncPipelinePreempted(pipeline.Name, branch)
		}
	}

	conn := registry.NewConnection(id)
	reg.Preempt(id, conn)

	deployPath := defaultDeployPath
	if pipeline.DeployPath != "" {
		deployPath = pipeline.DeployPath
	}

	pipelineCopy := *pipeline
	commitShort := gitutil.ShortHash(commit)

	go func() {
		defer conn.MarkClosed()
		supervisor.Run(supervisor.Input{
			ProjectURL:        project.URL,
			DefaultDeployPath: deployPath,
			DefaultLogPath:    defaultLogPath,
			Pipeline:          pipelineCopy,
			BranchIndex:       branchIndex,
			CommitShort:       commitShort,
			Cancel:            conn.CancelChan(),
			Metrics:           metricsRecorder,
		})
	}()
}
