package acceptance_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Danktronics/Influo/internal/config"
)

// splitNonEmptyLines splits s on newlines, dropping the trailing blank entry
// produced by a final newline.
func splitNonEmptyLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// writeInfluoConfig marshals cfg through the real config types (exercising
// their custom (Un)MarshalJSON) and writes it to dir/config.json.
func writeInfluoConfig(dir string, cfg config.Configuration) string {
	data, err := json.MarshalIndent(cfg, "", "  ")
	Expect(err).NotTo(HaveOccurred())
	path := filepath.Join(dir, "config.json")
	writeFile(path, string(data))
	return path
}

func automaticPipeline(name string, branches []string, stagesOrder []string, stages map[string]config.Stage) config.Pipeline {
	return config.Pipeline{
		Name:        name,
		Branches:    branches,
		Condition:   config.ConditionAutomatic,
		StagesOrder: stagesOrder,
		Stages:      stages,
	}
}

var _ = Describe("a new commit on a watched branch", func() {
	It("triggers the pipeline and updates the branch cache so the same commit never re-triggers", func() {
		workDir, err := os.MkdirTemp("", "influo-scenario1-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, workDir)

		remoteURL, _ := newBareRemote("scenario1")
		deployDir := filepath.Join(workDir, "deploy")
		logDir := filepath.Join(workDir, "logs")

		cfg := config.Configuration{
			UpdateInterval:    1,
			DefaultDeployPath: deployDir,
			DefaultLogPath:    logDir,
			Projects: []config.Project{{
				URL: remoteURL,
				Pipelines: []config.Pipeline{
					automaticPipeline("p1", []string{"main"}, []string{"build"}, map[string]config.Stage{
						"build": config.SingleStage(config.Procedure{
							Commands:    []string{"touch marker.txt"},
							Condition:   config.ConditionAutomatic,
							AutoRestart: config.AutoRestartNever(),
						}),
					}),
				},
			}},
		}
		configPath := writeInfluoConfig(workDir, cfg)

		cmd := startDaemon(configPath)
		DeferCleanup(func() { stopDaemon(cmd) })

		markerPath := filepath.Join(deployDir, "scenario1", "p1", "main", "marker.txt")
		Eventually(func() bool { return fileExists(markerPath) }, "10s", "100ms").Should(BeTrue())
		Expect(os.Remove(markerPath)).To(Succeed())

		// No new commit: the cached branch head is unchanged, so the pipeline
		// must not relaunch and recreate the marker.
		Consistently(func() bool { return fileExists(markerPath) }, "2500ms", "200ms").Should(BeFalse())
	})
})

var _ = Describe("a second commit arriving while a pipeline is still running", func() {
	It("preempts the in-flight run in favor of the new one", func() {
		workDir, err := os.MkdirTemp("", "influo-scenario2-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, workDir)

		remoteURL, seedDir := newBareRemote("scenario2")
		DeferCleanup(os.RemoveAll, seedDir)
		deployDir := filepath.Join(workDir, "deploy")
		logDir := filepath.Join(workDir, "logs")

		cfg := config.Configuration{
			UpdateInterval:    1,
			DefaultDeployPath: deployDir,
			DefaultLogPath:    logDir,
			Projects: []config.Project{{
				URL: remoteURL,
				Pipelines: []config.Pipeline{
					automaticPipeline("p1", []string{"main"}, []string{"build"}, map[string]config.Stage{
						"build": config.SingleStage(config.Procedure{
							Commands:    []string{"touch start.marker", "sleep 3", "touch done.marker"},
							Condition:   config.ConditionAutomatic,
							AutoRestart: config.AutoRestartNever(),
						}),
					}),
				},
			}},
		}
		configPath := writeInfluoConfig(workDir, cfg)

		cmd := startDaemon(configPath)
		DeferCleanup(func() { stopDaemon(cmd) })

		startMarker := filepath.Join(deployDir, "scenario2", "p1", "main", "start.marker")
		doneMarker := filepath.Join(deployDir, "scenario2", "p1", "main", "done.marker")

		Eventually(func() bool { return fileExists(startMarker) }, "10s", "100ms").Should(BeTrue())

		time.Sleep(1200 * time.Millisecond)
		pushTime := time.Now()
		pushCommit(seedDir, "change.txt", "second commit\n")

		Eventually(func() bool { return fileExists(doneMarker) }, "15s", "100ms").Should(BeTrue())

		// The original run's own 3s sleep started well before this commit was
		// pushed, so a start.marker newer than the push proves a fresh,
		// preempting run -- not the original -- produced done.marker.
		info, err := os.Stat(startMarker)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.ModTime()).To(BeTemporally(">", pushTime))
	})
})

var _ = Describe("a procedure with an inclusion-list restart policy", func() {
	It("restarts on the matching exit code and stops restarting once the daemon is stopped", func() {
		workDir, err := os.MkdirTemp("", "influo-scenario3-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, workDir)

		remoteURL, _ := newBareRemote("scenario3")
		deployDir := filepath.Join(workDir, "deploy")
		logDir := filepath.Join(workDir, "logs")

		scriptPath := filepath.Join(workDir, "always_fail.sh")
		counterPath := filepath.Join(workDir, "counter.log")
		writeScript(scriptPath, `echo x >> `+counterPath+`
exit 1`)

		cfg := config.Configuration{
			UpdateInterval:    1,
			DefaultDeployPath: deployDir,
			DefaultLogPath:    logDir,
			Projects: []config.Project{{
				URL: remoteURL,
				Pipelines: []config.Pipeline{
					automaticPipeline("p1", []string{"main"}, []string{"build"}, map[string]config.Stage{
						"build": config.SingleStage(config.Procedure{
							Commands:    []string{scriptPath},
							Condition:   config.ConditionAutomatic,
							AutoRestart: config.AutoRestartInclusionCodes([]int{1}),
						}),
					}),
				},
			}},
		}
		configPath := writeInfluoConfig(workDir, cfg)

		cmd := startDaemon(configPath)

		countLines := func() int {
			return len(splitNonEmptyLines(readFile(counterPath)))
		}

		Eventually(countLines, "10s", "100ms").Should(BeNumerically(">=", 2))

		stopDaemon(cmd)
		countAtStop := countLines()

		Consistently(countLines, "2s", "200ms").Should(Equal(countAtStop))
	})
})

var _ = Describe("a stage that fails", func() {
	It("aborts the pipeline before any later stage runs", func() {
		workDir, err := os.MkdirTemp("", "influo-scenario4-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, workDir)

		remoteURL, _ := newBareRemote("scenario4")
		deployDir := filepath.Join(workDir, "deploy")
		logDir := filepath.Join(workDir, "logs")

		failScript := filepath.Join(workDir, "fail.sh")
		writeScript(failScript, "touch build_ran.marker\nexit 1")

		cfg := config.Configuration{
			UpdateInterval:    1,
			DefaultDeployPath: deployDir,
			DefaultLogPath:    logDir,
			Projects: []config.Project{{
				URL: remoteURL,
				Pipelines: []config.Pipeline{
					automaticPipeline("p1", []string{"main"}, []string{"build", "deploy"}, map[string]config.Stage{
						"build": config.SingleStage(config.Procedure{
							Commands:    []string{failScript},
							Condition:   config.ConditionAutomatic,
							AutoRestart: config.AutoRestartNever(),
						}),
						"deploy": config.SingleStage(config.Procedure{
							Commands:    []string{"touch deploy.marker"},
							Condition:   config.ConditionAutomatic,
							AutoRestart: config.AutoRestartNever(),
						}),
					}),
				},
			}},
		}
		configPath := writeInfluoConfig(workDir, cfg)

		cmd := startDaemon(configPath)
		DeferCleanup(func() { stopDaemon(cmd) })

		workspaceDir := filepath.Join(deployDir, "scenario4", "p1", "main")
		buildMarker := filepath.Join(workspaceDir, "build_ran.marker")
		deployMarker := filepath.Join(workspaceDir, "deploy.marker")

		Eventually(func() bool { return fileExists(buildMarker) }, "10s", "100ms").Should(BeTrue())
		Consistently(func() bool { return fileExists(deployMarker) }, "2500ms", "200ms").Should(BeFalse())
	})
})

var _ = Describe("two independently configured projects", func() {
	It("keeps one project's list-heads failure from affecting the other", func() {
		workDir, err := os.MkdirTemp("", "influo-scenario5-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, workDir)

		okURL, _ := newBareRemote("scenario5ok")
		// A URL shaped to satisfy the validation grammar but pointing at a
		// repository the daemon never actually exports -- git ls-remote
		// against it fails every tick, the way a deleted or unreachable
		// remote would.
		brokenURL := fmt.Sprintf("git://127.0.0.1:%d/scenario5-does-not-exist.git", daemonPort)

		deployDir := filepath.Join(workDir, "deploy")
		logDir := filepath.Join(workDir, "logs")

		cfg := config.Configuration{
			UpdateInterval:    1,
			DefaultDeployPath: deployDir,
			DefaultLogPath:    logDir,
			Projects: []config.Project{
				{
					URL: brokenURL,
					Pipelines: []config.Pipeline{
						automaticPipeline("broken-pipeline", []string{"main"}, []string{"build"}, map[string]config.Stage{
							"build": config.SingleStage(config.Procedure{
								Commands:    []string{"touch should_not_run.marker"},
								Condition:   config.ConditionAutomatic,
								AutoRestart: config.AutoRestartNever(),
							}),
						}),
					},
				},
				{
					URL: okURL,
					Pipelines: []config.Pipeline{
						automaticPipeline("ok-pipeline", []string{"main"}, []string{"build"}, map[string]config.Stage{
							"build": config.SingleStage(config.Procedure{
								Commands:    []string{"touch ok.marker"},
								Condition:   config.ConditionAutomatic,
								AutoRestart: config.AutoRestartNever(),
							}),
						}),
					},
				},
			},
		}
		configPath := writeInfluoConfig(workDir, cfg)

		cmd := startDaemon(configPath)
		DeferCleanup(func() { stopDaemon(cmd) })

		okMarker := filepath.Join(deployDir, "scenario5ok", "ok-pipeline", "main", "ok.marker")
		Eventually(func() bool { return fileExists(okMarker) }, "10s", "100ms").Should(BeTrue())

		// The broken project's pipeline is never reachable (list-heads always
		// fails for it), and the daemon keeps polling both projects without
		// crashing: signal 0 only probes liveness, it delivers nothing.
		Expect(cmd.Process.Signal(syscall.Signal(0))).To(Succeed())
	})
})

var _ = Describe("a pipeline log template", func() {
	It("renders every placeholder into exactly one logged line per output line", func() {
		workDir, err := os.MkdirTemp("", "influo-scenario6-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, workDir)

		remoteURL, _ := newBareRemote("scenario6")
		deployDir := filepath.Join(workDir, "deploy")
		logDir := filepath.Join(workDir, "logs")

		cfg := config.Configuration{
			UpdateInterval:    1,
			DefaultDeployPath: deployDir,
			DefaultLogPath:    logDir,
			Projects: []config.Project{{
				URL: remoteURL,
				Pipelines: []config.Pipeline{
					{
						Name:        "p1",
						Branches:    []string{"main"},
						Condition:   config.ConditionAutomatic,
						StagesOrder: []string{"test"},
						Log: &config.Log{
							Template:   "{pipeline_name}|{pipeline_stage}|{command}|{message}",
							SaveToFile: true,
						},
						Stages: map[string]config.Stage{
							"test": config.SingleStage(config.Procedure{
								Commands:    []string{"echo hello"},
								Condition:   config.ConditionAutomatic,
								AutoRestart: config.AutoRestartNever(),
							}),
						},
					},
				},
			}},
		}
		configPath := writeInfluoConfig(workDir, cfg)

		cmd := startDaemon(configPath)
		DeferCleanup(func() { stopDaemon(cmd) })

		logGlob := filepath.Join(logDir, "scenario6", "p1", "main", "*_p1_*.log")

		var matches []string
		Eventually(func() []string {
			matches, _ = filepath.Glob(logGlob)
			return matches
		}, "10s", "100ms").Should(HaveLen(1))

		content := readFile(matches[0])
		lines := splitNonEmptyLines(content)
		Expect(lines).To(Equal([]string{"p1|test|echo hello|hello"}))
	})
})
