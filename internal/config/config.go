// Package config decodes and validates the Influo configuration file
// (config.json) into a typed Configuration record.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// defaultUpdateInterval is used when update_interval is absent or zero.
const defaultUpdateInterval = 30

// defaultHTTPAPIPort is used when api.http is present but port is omitted.
const defaultHTTPAPIPort = 4200

// ErrConfigMissing is returned (wrapped) by Load when the configuration
// file is absent or unparseable; the CLI treats it as fatal at startup.
var ErrConfigMissing = fmt.Errorf("configuration file missing or unparseable")

// LogLevel is the configuration file's four-value log severity enum.
type LogLevel string

const (
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
)

// Condition distinguishes pipelines/procedures that fire automatically from
// the updater versus ones that must be triggered manually (outside the
// core).
type Condition string

const (
	ConditionAutomatic Condition = "automatic"
	ConditionManual    Condition = "manual"
)

// Branch is an immutable snapshot of a remote branch's tip.
type Branch struct {
	Name              string `json:"name"`
	LatestCommitHash  string `json:"latest_commit_hash"`
}

// AutoRestartPolicy controls whether a failed command is re-executed.
//
// It decodes from either a JSON boolean (true -> Always, false -> Never) or
// an object with exactly one of "only" (InclusionCodes) or "not"
// (ExclusionCodes).
type AutoRestartPolicy struct {
	kind  restartKind
	codes map[int]struct{}
}

type restartKind int

const (
	restartAlways restartKind = iota
	restartNever
	restartInclusion
	restartExclusion
)

// AutoRestartAlways restarts the command unconditionally on non-zero exit.
func AutoRestartAlways() AutoRestartPolicy { return AutoRestartPolicy{kind: restartAlways} }

// AutoRestartNever never restarts the command.
func AutoRestartNever() AutoRestartPolicy { return AutoRestartPolicy{kind: restartNever} }

// AutoRestartInclusionCodes restarts iff the exit code is in codes.
func AutoRestartInclusionCodes(codes []int) AutoRestartPolicy {
	return AutoRestartPolicy{kind: restartInclusion, codes: codeSet(codes)}
}

// AutoRestartExclusionCodes restarts iff the exit code is NOT in codes.
func AutoRestartExclusionCodes(codes []int) AutoRestartPolicy {
	return AutoRestartPolicy{kind: restartExclusion, codes: codeSet(codes)}
}

func codeSet(codes []int) map[int]struct{} {
	m := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		m[c] = struct{}{}
	}
	return m
}

// ShouldRestart reports whether a command that exited with code should be
// re-executed. It is never consulted for a successful exit (code 0, success
// true) by the procedure runner.
func (p AutoRestartPolicy) ShouldRestart(code int) bool {
	switch p.kind {
	case restartAlways:
		return true
	case restartNever:
		return false
	case restartInclusion:
		_, ok := p.codes[code]
		return ok
	case restartExclusion:
		_, ok := p.codes[code]
		return !ok
	default:
		return false
	}
}

func (p AutoRestartPolicy) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case restartAlways:
		return []byte("true"), nil
	case restartNever:
		return []byte("false"), nil
	case restartInclusion:
		return json.Marshal(struct {
			Only []int `json:"only"`
		}{codeList(p.codes)})
	case restartExclusion:
		return json.Marshal(struct {
			Not []int `json:"not"`
		}{codeList(p.codes)})
	default:
		return nil, fmt.Errorf("auto_restart: unknown kind %d", p.kind)
	}
}

func codeList(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}

func (p *AutoRestartPolicy) UnmarshalJSON(data []byte) error {
	var asBool bool
	if err := json.Unmarshal(data, &asBool); err == nil {
		if asBool {
			*p = AutoRestartAlways()
		} else {
			*p = AutoRestartNever()
		}
		return nil
	}

	var asObject struct {
		Only []int `json:"only"`
		Not  []int `json:"not"`
	}
	if err := json.Unmarshal(data, &asObject); err != nil {
		return fmt.Errorf("auto_restart: expected a boolean or an object containing \"only\" or \"not\": %w", err)
	}
	if asObject.Only != nil && asObject.Not != nil {
		return fmt.Errorf("auto_restart: found both \"only\" and \"not\"")
	}
	if asObject.Only != nil {
		*p = AutoRestartInclusionCodes(asObject.Only)
		return nil
	}
	if asObject.Not != nil {
		*p = AutoRestartExclusionCodes(asObject.Not)
		return nil
	}
	return fmt.Errorf("auto_restart: missing condition (\"only\" or \"not\")")
}

// Procedure is an ordered list of shell commands sharing one restart policy.
type Procedure struct {
	Name        string            `json:"name,omitempty"`
	Commands    []string          `json:"commands"`
	Condition   Condition         `json:"condition"`
	AutoRestart AutoRestartPolicy `json:"auto_restart"`
	LogTemplate string            `json:"log_template,omitempty"`
	Persistent  bool              `json:"persistent,omitempty"`
}

// ConnectionID is the identifier used for the procedure's own cancel-channel
// map entry and in its log lines: the procedure name if set, else the
// enclosing pipeline's name.
func (p Procedure) ConnectionID(pipelineName string) string {
	if p.Name != "" {
		return p.Name
	}
	return pipelineName
}

// Stage is either a single procedure or a fan-out set of procedures. It
// decodes from an untagged JSON union: an array is Multiple, an object is
// Single.
type Stage struct {
	single   *Procedure
	multiple []Procedure
}

// SingleStage wraps one procedure as a Stage.
func SingleStage(p Procedure) Stage { return Stage{single: &p} }

// MultipleStage wraps a fan-out set of procedures as a Stage.
func MultipleStage(ps []Procedure) Stage { return Stage{multiple: ps} }

// Procedures returns the stage's procedures in the order they should be
// spawned (irrelevant for Multiple, since the supervisor runs them
// concurrently).
func (s Stage) Procedures() []Procedure {
	if s.single != nil {
		return []Procedure{*s.single}
	}
	return s.multiple
}

func (s Stage) MarshalJSON() ([]byte, error) {
	if s.single != nil {
		return json.Marshal(*s.single)
	}
	return json.Marshal(s.multiple)
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var asArray []Procedure
	if err := json.Unmarshal(data, &asArray); err == nil {
		s.multiple = asArray
		s.single = nil
		return nil
	}

	var asSingle Procedure
	if err := json.Unmarshal(data, &asSingle); err != nil {
		return fmt.Errorf("stage: expected a procedure object or an array of procedures: %w", err)
	}
	s.single = &asSingle
	s.multiple = nil
	return nil
}

// Log configures where a pipeline or procedure's output lines are rendered.
type Log struct {
	Template   string `json:"template,omitempty"`
	Console    bool   `json:"console,omitempty"`
	SaveToFile bool   `json:"save_to_file,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
}

// Pipeline is an ordered sequence of named stages applied to one or more
// branches of a Project.
type Pipeline struct {
	Name        string            `json:"name"`
	StagesOrder []string          `json:"stages_order,omitempty"`
	Stages      map[string]Stage  `json:"stages"`
	Branches    []string          `json:"branches"`
	DeployPath  string            `json:"deploy_path,omitempty"`
	Log         *Log              `json:"log,omitempty"`
	Condition   Condition         `json:"condition"`
	Persistent  bool              `json:"persistent,omitempty"`
}

// UnmarshalJSON decodes a Pipeline, recovering the insertion order of the
// "stages" object from the raw token stream when "stages_order" is absent --
// encoding/json does not preserve map key order, so this walks the raw
// tokens to reconstruct it.
func (p *Pipeline) UnmarshalJSON(data []byte) error {
	type plain Pipeline
	var raw plain
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Pipeline(raw)

	if len(p.StagesOrder) == 0 {
		order, err := stageInsertionOrder(data)
		if err != nil {
			return fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
		p.StagesOrder = order
	} else {
		for _, name := range p.StagesOrder {
			if _, ok := p.Stages[name]; !ok {
				return fmt.Errorf("pipeline %q: stage %q named in stages_order does not exist", p.Name, name)
			}
		}
	}
	return nil
}

// stageInsertionOrder walks the raw "stages" object with a streaming decoder
// to recover the key order encoding/json's map decoding would otherwise
// discard.
func stageInsertionOrder(data []byte) ([]string, error) {
	var wrapper struct {
		Stages json.RawMessage `json:"stages"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	if len(wrapper.Stages) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(wrapper.Stages))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decoding stages order: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("stages must be a JSON object")
	}

	var order []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decoding stages order: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("stages key is not a string")
		}
		order = append(order, key)

		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil, fmt.Errorf("decoding stage %q: %w", key, err)
		}
	}
	return order, nil
}

// Project is a remote Git repository under management.
type Project struct {
	URL        string            `json:"url"`
	Pipelines  []Pipeline        `json:"pipelines"`
	Branches   map[string]string `json:"-"`
	Persistent bool              `json:"persistent,omitempty"`
}

// projectWire is the JSON-facing shape of Project: Branches is never
// round-tripped through config.json since it is runtime-only cache state.
type projectWire struct {
	URL        string     `json:"url"`
	Pipelines  []Pipeline `json:"pipelines"`
	Persistent bool       `json:"persistent,omitempty"`
}

func (p Project) MarshalJSON() ([]byte, error) {
	return json.Marshal(projectWire{URL: p.URL, Pipelines: p.Pipelines, Persistent: p.Persistent})
}

func (p *Project) UnmarshalJSON(data []byte) error {
	var wire projectWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p.URL = wire.URL
	p.Pipelines = wire.Pipelines
	p.Persistent = wire.Persistent
	p.Branches = make(map[string]string)
	return nil
}

// projectURLPattern validates Project.URL against the supported remote
// shapes: (https|git)(://|@)HOST[/:]OWNER/NAME(.git)?
var projectURLPattern = regexp.MustCompile(`^(https|git)(://|@)[^/:]+[/:][^/:]+/[^.]+(\.git)?$`)

// HTTPAPIConfiguration configures the optional management surface's HTTP
// listener.
type HTTPAPIConfiguration struct {
	Port uint16 `json:"port,omitempty"`
}

// APIConfiguration is the root of the optional, out-of-core management
// surface configuration.
type APIConfiguration struct {
	HTTP *HTTPAPIConfiguration `json:"http,omitempty"`
}

// Configuration is the root configuration record.
type Configuration struct {
	UpdateInterval    uint32            `json:"update_interval,omitempty"`
	LogLevel          LogLevel          `json:"log_level,omitempty"`
	DefaultDeployPath string            `json:"default_deploy_path"`
	DefaultLogPath    string            `json:"default_log_path"`
	API               *APIConfiguration `json:"api,omitempty"`
	Projects          []Project         `json:"projects"`
}

// Load reads and decodes a configuration file from path, applying defaults.
// Unknown top-level fields are tolerated by encoding/json's default decoding
// behavior.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a Configuration from raw JSON bytes and applies defaults.
func Parse(data []byte) (*Configuration, error) {
	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = defaultUpdateInterval
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogLevelWarn
	}
	if cfg.API != nil && cfg.API.HTTP != nil && cfg.API.HTTP.Port == 0 {
		cfg.API.HTTP.Port = defaultHTTPAPIPort
	}
	for i := range cfg.Projects {
		if cfg.Projects[i].Branches == nil {
			cfg.Projects[i].Branches = make(map[string]string)
		}
	}

	return &cfg, nil
}

// Validate checks structural invariants that json.Unmarshal cannot enforce.
func Validate(cfg *Configuration) []error {
	var errs []error

	switch cfg.LogLevel {
	case LogLevelError, LogLevelWarn, LogLevelInfo, LogLevelDebug:
	default:
		errs = append(errs, fmt.Errorf("log_level: invalid value %q", cfg.LogLevel))
	}

	for i, proj := range cfg.Projects {
		if !projectURLPattern.MatchString(proj.URL) {
			errs = append(errs, fmt.Errorf("projects[%d]: url %q does not match the expected git remote pattern", i, proj.URL))
		}
		for j, pipe := range proj.Pipelines {
			if pipe.Name == "" {
				errs = append(errs, fmt.Errorf("projects[%d].pipelines[%d]: name is required", i, j))
			}
			for _, name := range pipe.StagesOrder {
				if _, ok := pipe.Stages[name]; !ok {
					errs = append(errs, fmt.Errorf("projects[%d].pipelines[%d] (%s): stages_order references unknown stage %q", i, j, pipe.Name, name))
				}
			}
			switch pipe.Condition {
			case ConditionAutomatic, ConditionManual, "":
			default:
				errs = append(errs, fmt.Errorf("projects[%d].pipelines[%d] (%s): invalid condition %q", i, j, pipe.Name, pipe.Condition))
			}
		}
	}

	return errs
}
