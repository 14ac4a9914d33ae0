// Package logrender substitutes placeholders in a pipeline's log template
// and fans rendered lines out to the console logger and/or a per-run
// append-only file.
package logrender

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Danktronics/Influo/internal/config"
	"github.com/Danktronics/Influo/internal/logging"
)

// DefaultTemplate is used when neither the procedure nor the pipeline
// supplies a log_template.
const DefaultTemplate = "[{pipeline_name}] [{pipeline_stage}] {message}"

// Stream tags which child pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

var consoleLog = logging.New("logrender")

// Sink renders and delivers one command's output for the lifetime of that
// command's child process.
type Sink struct {
	template     string
	pipelineName string
	stageName    string
	command      string
	path         string
	start        time.Time

	console bool

	mu       sync.Mutex
	file     *os.File
	fileDone bool // true once a write error has permanently disabled the file sink
	filePath string
}

// Config bundles the inputs needed to resolve a Sink's template and file
// destination for one command.
type Config struct {
	// ProcedureTemplate and PipelineTemplate are template, in override
	// order: procedure log_template wins, then pipeline log.template, then
	// DefaultTemplate.
	ProcedureTemplate string
	PipelineTemplate  string

	PipelineName string
	StageName    string
	Command      string
	Path         string
	Start        time.Time

	Log *config.Log

	// DefaultLogPath is the pipeline's default log directory (the
	// supervisor passes default_log_path joined with the repo name), used
	// when Log.SaveToFile is set and Log.FilePath is empty.
	DefaultLogPath string
	Branch         string
	CommitShort    string
	ConnectionID   string // procedure name, or pipeline name fallback
}

func resolveTemplate(cfg Config) string {
	if cfg.ProcedureTemplate != "" {
		return cfg.ProcedureTemplate
	}
	if cfg.PipelineTemplate != "" {
		return cfg.PipelineTemplate
	}
	return DefaultTemplate
}

// NewSink builds a Sink for one command. The file handle (if enabled) is
// opened lazily on first write, per the log-file-handle-lifetime design
// note: do not hold an open handle for a command that never logs.
func NewSink(cfg Config) *Sink {
	s := &Sink{
		template:     resolveTemplate(cfg),
		pipelineName: cfg.PipelineName,
		stageName:    cfg.StageName,
		command:      cfg.Command,
		path:         cfg.Path,
		start:        cfg.Start,
		console:      cfg.Log == nil || cfg.Log.Console,
	}

	if cfg.Log != nil && cfg.Log.SaveToFile {
		base := cfg.Log.FilePath
		if base == "" {
			base = cfg.DefaultLogPath
		}
		dir := filepath.Join(base, cfg.PipelineName, cfg.Branch)
		fileName := fmt.Sprintf("%s_%s_%s.log", cfg.CommitShort, cfg.ConnectionID, time.Now().Format("20060102"))
		s.filePath = filepath.Join(dir, fileName)
	}

	return s
}

func (s *Sink) render(stream Stream, message string) string {
	elapsed := time.Since(s.start)
	r := strings.NewReplacer(
		"{pipeline_name}", s.pipelineName,
		"{pipeline_stage}", s.stageName,
		"{time}", formatElapsed(elapsed),
		"{path}", s.path,
		"{command}", s.command,
		"{message}", message,
	)
	return r.Replace(s.template)
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}

// Write renders one line read from stream and fans it out to the enabled
// sinks. A file I/O failure is logged once and permanently disables the
// file sink for the remainder of this command; it never aborts the
// procedure.
func (s *Sink) Write(stream Stream, line string) {
	rendered := s.render(stream, line)

	if s.console {
		switch stream {
		case Stdout:
			consoleLog.Info(rendered)
		case Stderr:
			consoleLog.Error(rendered)
		}
	}

	s.writeFile(rendered)
}

func (s *Sink) writeFile(rendered string) {
	if s.filePath == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fileDone {
		return
	}

	if s.file == nil {
		if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
			consoleLog.Error("log file sink disabled", "path", s.filePath, "error", err)
			s.fileDone = true
			return
		}
		f, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			consoleLog.Error("log file sink disabled", "path", s.filePath, "error", err)
			s.fileDone = true
			return
		}
		s.file = f
	}

	if _, err := fmt.Fprintln(s.file, rendered); err != nil {
		consoleLog.Error("log file sink disabled", "path", s.filePath, "error", err)
		s.fileDone = true
		_ = s.file.Close()
		s.file = nil
	}
}

// Close releases the file handle, if one was opened.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// PumpLines reads newline-delimited output from r and delivers each line to
// sink tagged with stream, until r is exhausted (the child closed the
// pipe). Intended to run as its own goroutine for the lifetime of one
// child's one stream.
func PumpLines(r io.Reader, stream Stream, sink *Sink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink.Write(stream, scanner.Text())
	}
}
