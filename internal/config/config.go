// Package config loads the pipeline configuration file (YAML or JSONC) and
// resolves it into the read-only run configuration: the matrix definition, the
// per-platform command templates, and the run policies.
package config

import (
	"regexp"
	"time"

	"pqmatrix/internal/matrix"
)

// File mirrors the on-disk configuration. Both YAML and JSONC files decode into
// it; unknown keys are rejected.
type File struct {
	Version      int               `yaml:"version" json:"version"`
	Paths        PathsConfig       `yaml:"paths" json:"paths"`
	Workers      int               `yaml:"workers" json:"workers"`
	BuildTimeout string            `yaml:"build_timeout" json:"build_timeout"` // e.g. "30m"
	InheritEnv   []string          `yaml:"inherit_env" json:"inherit_env"`
	Retry        RetryConfig       `yaml:"retry" json:"retry"`
	Algorithms   []AlgorithmConfig `yaml:"algorithms" json:"algorithms"`
	Platforms    []PlatformConfig  `yaml:"platforms" json:"platforms"`
	Profiles     []ProfileConfig   `yaml:"profiles" json:"profiles"`
	Matrix       MatrixConfig      `yaml:"matrix" json:"matrix"`
	Benchmark    BenchmarkConfig   `yaml:"benchmark" json:"benchmark"`
	Gates        []GateConfig      `yaml:"gates" json:"gates"`
	OverrideGate bool              `yaml:"override_gate" json:"override_gate"`
}

// PathsConfig locates the run's inputs and outputs. Relative paths resolve
// against Root, and Root resolves against the config file's directory.
type PathsConfig struct {
	Root      string `yaml:"root" json:"root"`
	Logs      string `yaml:"logs" json:"logs"`
	Artifacts string `yaml:"artifacts" json:"artifacts"`
	Vectors   string `yaml:"vectors" json:"vectors"`
	Reports   string `yaml:"reports" json:"reports"`
}

// RetryConfig bounds build attempts. Only failures whose captured output
// matches one of TransientPatterns are retried.
type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts" json:"max_attempts"`
	TransientPatterns []string `yaml:"transient_patterns" json:"transient_patterns"`
}

type AlgorithmConfig struct {
	Family       string             `yaml:"family" json:"family"`
	ParameterSet string             `yaml:"parameter_set" json:"parameter_set"`
	Kind         string             `yaml:"kind" json:"kind"`
	Vectors      string             `yaml:"vectors" json:"vectors"`         // overrides <paths.vectors>/<variant-id>
	MaxVectors   int                `yaml:"max_vectors" json:"max_vectors"` // 0 runs every record
	Verification VerificationConfig `yaml:"verification" json:"verification"`
}

type VerificationConfig struct {
	Version    int              `yaml:"version" json:"version"`
	MinSize    int64            `yaml:"min_size" json:"min_size"`
	Companions []string         `yaml:"companions" json:"companions"`
	Checksum   string           `yaml:"checksum" json:"checksum"`
	Checksums  []ChecksumConfig `yaml:"checksums" json:"checksums"`
}

type ChecksumConfig struct {
	Platform string `yaml:"platform" json:"platform"`
	Profile  string `yaml:"profile" json:"profile"`
	Digest   string `yaml:"digest" json:"digest"`
}

// Command is an external invocation template. Argv, Dir and Env values may
// reference ${NAME} variables.
type Command struct {
	Argv []string          `yaml:"argv" json:"argv"`
	Dir  string            `yaml:"dir" json:"dir"`
	Env  map[string]string `yaml:"env" json:"env"`
}

// IsZero reports whether no command is configured.
func (c Command) IsZero() bool { return len(c.Argv) == 0 }

type BuildConfig struct {
	Command  `yaml:",inline"`
	Artifact string `yaml:"artifact" json:"artifact"`
}

// HarnessConfig selects how vectors are driven through a cell's artifact:
// either an external harness command, or the in-process reference harness.
type HarnessConfig struct {
	Command   `yaml:",inline"`
	Reference bool `yaml:"reference" json:"reference"`
}

type PlatformConfig struct {
	ID           string        `yaml:"id" json:"id"`
	Capabilities []string      `yaml:"capabilities" json:"capabilities"`
	Tools        []string      `yaml:"tools" json:"tools"`
	Build        BuildConfig   `yaml:"build" json:"build"`
	Harness      HarnessConfig `yaml:"harness" json:"harness"`
	Bench        Command       `yaml:"bench" json:"bench"`
}

type ProfileConfig struct {
	Name  string `yaml:"name" json:"name"`
	Flags string `yaml:"flags" json:"flags"`
}

type MatrixConfig struct {
	Algorithms []string        `yaml:"algorithms" json:"algorithms"`
	Platforms  []string        `yaml:"platforms" json:"platforms"`
	Profiles   []string        `yaml:"profiles" json:"profiles"`
	Exclude    []ExcludeConfig `yaml:"exclude" json:"exclude"`
}

type ExcludeConfig struct {
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Platform  string `yaml:"platform" json:"platform"`
	Profile   string `yaml:"profile" json:"profile"`
}

type BenchmarkConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	Iterations int  `yaml:"iterations" json:"iterations"`
}

// GateConfig declares a dependent phase (e.g. "packaging") and the cells it
// depends on. Empty selectors target every cell.
type GateConfig struct {
	Phase      string   `yaml:"phase" json:"phase"`
	Algorithms []string `yaml:"algorithms" json:"algorithms"`
	Platforms  []string `yaml:"platforms" json:"platforms"`
	Profiles   []string `yaml:"profiles" json:"profiles"`
	// Override unblocks this phase regardless of failures; it is reported
	// like --override-gate.
	Override bool `yaml:"override" json:"override"`
}

// Defaults applied when the file leaves a value unset.
const (
	DefaultBuildTimeout = 30 * time.Minute
	DefaultMaxAttempts  = 1
	DefaultIterations   = 10
	DefaultLogsDir      = "logs"
	DefaultArtifactsDir = "artifacts"
	DefaultVectorsDir   = "vectors"
	DefaultReportsDir   = "reports"
)

// DefaultInheritEnv lists the host variables passed to external commands when
// the file does not set inherit_env.
func DefaultInheritEnv() []string {
	return []string{"PATH", "HOME", "TMPDIR", "LANG"}
}

// Config is the resolved, read-only run configuration.
type Config struct {
	// Source is the absolute path of the loaded file.
	Source string
	Paths  PathsConfig

	Workers      int
	BuildTimeout time.Duration
	InheritEnv   []string
	Retry        RetryPolicy
	Benchmark    BenchmarkConfig
	Gates        []GateConfig
	OverrideGate bool

	Definition matrix.Definition

	algorithms map[string]AlgorithmConfig
	platforms  map[string]PlatformConfig
}

// RetryPolicy is the compiled form of RetryConfig.
type RetryPolicy struct {
	MaxAttempts int
	Transient   []*regexp.Regexp
}

// IsTransient reports whether captured build output matches a transient
// pattern.
func (p RetryPolicy) IsTransient(output []byte) bool {
	for _, re := range p.Transient {
		if re.Match(output) {
			return true
		}
	}
	return false
}

// Platform returns the platform's command templates.
func (c *Config) Platform(id string) (PlatformConfig, bool) {
	p, ok := c.platforms[id]
	return p, ok
}

// Algorithm returns the algorithm entry for a variant id.
func (c *Config) Algorithm(variantID string) (AlgorithmConfig, bool) {
	a, ok := c.algorithms[variantID]
	return a, ok
}

// Overrides are command-line values that take precedence over the file.
// Zero values leave the file's setting in place.
type Overrides struct {
	Workers      int
	BuildTimeout time.Duration
	OverrideGate bool
}

// Apply merges command-line overrides into the configuration.
func (c *Config) Apply(o Overrides) {
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
	if o.BuildTimeout > 0 {
		c.BuildTimeout = o.BuildTimeout
	}
	if o.OverrideGate {
		c.OverrideGate = true
	}
}
