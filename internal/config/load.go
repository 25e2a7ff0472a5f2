package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"pqmatrix/internal/matrix"
	"pqmatrix/internal/verify"
)

// Format is the on-disk encoding of a configuration file.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSONC Format = "jsonc"
)

// FormatFromPath picks the decoder by file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc":
		return FormatJSONC, nil
	default:
		return "", matrix.Configurationf("unsupported config extension %q (want .yaml, .yml, .json or .jsonc)", filepath.Ext(path))
	}
}

// Load reads, decodes and resolves a configuration file. Every returned error
// matches matrix.ErrConfiguration.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, matrix.Configurationf("resolve config path: %v", err)
	}
	format, err := FormatFromPath(abs)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, matrix.Configurationf("read config: %v", err)
	}
	f, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	cfg, err := f.Resolve(filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	cfg.Source = abs
	return cfg, nil
}

// Decode parses raw bytes strictly: unknown keys and trailing documents are
// rejected.
func Decode(data []byte, format Format) (File, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return File{}, matrix.Configurationf("config file is empty")
			}
			return File{}, matrix.Configurationf("decode yaml: %v", err)
		}
		var extra yaml.Node
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return File{}, matrix.Configurationf("decode yaml: config must contain a single document")
		}
	case FormatJSONC:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return File{}, matrix.Configurationf("config file is empty")
			}
			return File{}, matrix.Configurationf("decode json: %v", err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return File{}, matrix.Configurationf("decode json: trailing content")
		}
	default:
		return File{}, matrix.Configurationf("unknown config format %q", format)
	}
	return f, nil
}

// Resolve validates the file, applies defaults, and builds the run
// configuration. baseDir anchors relative paths.
func (f File) Resolve(baseDir string) (*Config, error) {
	var problems []string
	problemf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	cfg := &Config{
		Workers:      f.Workers,
		InheritEnv:   f.InheritEnv,
		Benchmark:    f.Benchmark,
		Gates:        f.Gates,
		OverrideGate: f.OverrideGate,
		algorithms:   map[string]AlgorithmConfig{},
		platforms:    map[string]PlatformConfig{},
	}

	if f.Version != 0 && f.Version != 1 {
		problemf("unsupported config version %d", f.Version)
	}

	root := f.Paths.Root
	if root == "" {
		root = "."
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(baseDir, root)
	}
	root = filepath.Clean(root)
	under := func(p, def string) string {
		if p == "" {
			p = def
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(root, p)
	}
	cfg.Paths = PathsConfig{
		Root:      root,
		Logs:      under(f.Paths.Logs, DefaultLogsDir),
		Artifacts: under(f.Paths.Artifacts, DefaultArtifactsDir),
		Vectors:   under(f.Paths.Vectors, DefaultVectorsDir),
		Reports:   under(f.Paths.Reports, DefaultReportsDir),
	}

	switch {
	case f.Workers < 0:
		problemf("workers must be positive, got %d", f.Workers)
	case f.Workers == 0:
		cfg.Workers = runtime.NumCPU()
	}

	cfg.BuildTimeout = DefaultBuildTimeout
	if f.BuildTimeout != "" {
		d, err := time.ParseDuration(f.BuildTimeout)
		if err != nil || d <= 0 {
			problemf("build_timeout %q is not a positive duration", f.BuildTimeout)
		} else {
			cfg.BuildTimeout = d
		}
	}
	if cfg.InheritEnv == nil {
		cfg.InheritEnv = DefaultInheritEnv()
	}

	cfg.Retry.MaxAttempts = f.Retry.MaxAttempts
	switch {
	case f.Retry.MaxAttempts < 0:
		problemf("retry.max_attempts must be at least 1, got %d", f.Retry.MaxAttempts)
	case f.Retry.MaxAttempts == 0:
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	for i, pat := range f.Retry.TransientPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			problemf("retry.transient_patterns[%d]: %v", i, err)
			continue
		}
		cfg.Retry.Transient = append(cfg.Retry.Transient, re)
	}

	if cfg.Benchmark.Iterations < 0 {
		problemf("benchmark.iterations must be positive, got %d", cfg.Benchmark.Iterations)
	}
	if cfg.Benchmark.Iterations == 0 {
		cfg.Benchmark.Iterations = DefaultIterations
	}

	def := matrix.Definition{Rules: map[string]matrix.VerificationRule{}}
	for i, a := range f.Algorithms {
		kind, err := matrix.ParseKind(a.Kind)
		if err != nil {
			problemf("algorithms[%d] (%s-%s): %v", i, a.Family, a.ParameterSet, err)
			continue
		}
		v := matrix.AlgorithmVariant{Family: a.Family, ParameterSet: a.ParameterSet, Kind: kind}
		def.Variants = append(def.Variants, v)
		if a.MaxVectors < 0 {
			problemf("algorithm %q: max_vectors must not be negative", v.ID())
		}
		if a.Verification.MinSize < 0 {
			problemf("algorithm %q: verification.min_size must not be negative", v.ID())
		}
		if a.Vectors != "" && !filepath.IsAbs(a.Vectors) {
			a.Vectors = filepath.Join(root, a.Vectors)
		}
		cfg.algorithms[v.ID()] = a

		rule := matrix.VerificationRule{
			Name:       v.ID(),
			Version:    a.Verification.Version,
			MinSize:    a.Verification.MinSize,
			Companions: a.Verification.Companions,
			Checksum:   a.Verification.Checksum,
		}
		if rule.Version == 0 {
			rule.Version = 1
		}
		if rule.Checksum != "" {
			if _, err := verify.ParseDigest(rule.Checksum); err != nil {
				problemf("algorithm %q: checksum: %v", v.ID(), err)
			}
		}
		for j, c := range a.Verification.Checksums {
			if _, err := verify.ParseDigest(c.Digest); err != nil {
				problemf("algorithm %q: checksums[%d]: %v", v.ID(), j, err)
			}
			rule.Pinned = append(rule.Pinned, matrix.PinnedChecksum{Platform: c.Platform, Profile: c.Profile, Digest: c.Digest})
		}
		for _, comp := range rule.Companions {
			if comp == "" || filepath.IsAbs(comp) || strings.Contains(comp, "..") {
				problemf("algorithm %q: companion %q must be a relative file name", v.ID(), comp)
			}
		}
		def.Rules[v.ID()] = rule
	}

	buildProbe := templateProbe(false)
	artifactProbe := templateProbe(true)
	for i, p := range f.Platforms {
		def.Platforms = append(def.Platforms, matrix.Platform{ID: p.ID, Capabilities: p.Capabilities, Tools: p.Tools})
		cfg.platforms[p.ID] = p

		if p.Build.IsZero() {
			problemf("platforms[%d] (%s): build.argv is required", i, p.ID)
		} else if _, err := p.Build.Command.Expand(buildProbe); err != nil {
			problemf("platform %q: build: %v", p.ID, err)
		}
		if p.Build.Artifact == "" {
			problemf("platforms[%d] (%s): build.artifact is required", i, p.ID)
		} else if _, err := Expand(p.Build.Artifact, buildProbe); err != nil {
			problemf("platform %q: build.artifact: %v", p.ID, err)
		}
		if p.Harness.Reference && !p.Harness.IsZero() {
			problemf("platform %q: harness sets both reference and argv", p.ID)
		}
		if _, err := p.Harness.Command.Expand(artifactProbe); err != nil {
			problemf("platform %q: harness: %v", p.ID, err)
		}
		if _, err := p.Bench.Expand(artifactProbe); err != nil {
			problemf("platform %q: bench: %v", p.ID, err)
		}
	}
	profileNames := map[string]bool{}
	for _, p := range f.Profiles {
		profileNames[p.Name] = true
		def.Profiles = append(def.Profiles, matrix.BuildProfile{Name: p.Name, Flags: p.Flags})
	}

	def.Selection = matrix.Selection{
		Variants:  f.Matrix.Algorithms,
		Platforms: f.Matrix.Platforms,
		Profiles:  f.Matrix.Profiles,
	}
	for _, x := range f.Matrix.Exclude {
		def.Selection.Exclude = append(def.Selection.Exclude, matrix.Exclusion{Variant: x.Algorithm, Platform: x.Platform, Profile: x.Profile})
	}

	seenPhases := map[string]bool{}
	for i, g := range f.Gates {
		name := strings.TrimSpace(g.Phase)
		switch {
		case name == "":
			problemf("gates[%d]: phase is required", i)
		case seenPhases[name]:
			problemf("gates[%d]: phase %q declared twice", i, name)
		}
		seenPhases[name] = true
		for _, id := range g.Algorithms {
			if _, ok := cfg.algorithms[id]; !ok {
				problemf("gate %q: unknown algorithm %q", name, id)
			}
		}
		for _, id := range g.Platforms {
			if _, ok := cfg.platforms[id]; !ok {
				problemf("gate %q: unknown platform %q", name, id)
			}
		}
		for _, id := range g.Profiles {
			if !profileNames[id] {
				problemf("gate %q: unknown profile %q", name, id)
			}
		}
	}

	if len(problems) > 0 {
		return nil, matrix.Configurationf("%s", strings.Join(problems, "; "))
	}

	// Enumerate once here so reference errors surface at load time.
	if _, err := matrix.Enumerate(def); err != nil {
		return nil, err
	}
	cfg.Definition = def
	return cfg, nil
}

// VectorDir returns the directory holding a variant's known-answer files.
func (c *Config) VectorDir(v matrix.AlgorithmVariant) string {
	if a, ok := c.algorithms[v.ID()]; ok && a.Vectors != "" {
		return a.Vectors
	}
	return filepath.Join(c.Paths.Vectors, v.ID())
}

// MaxVectors returns the per-variant record limit; 0 means no limit.
func (c *Config) MaxVectors(v matrix.AlgorithmVariant) int {
	return c.algorithms[v.ID()].MaxVectors
}

// ResolveDir anchors a command's working directory at the project root. An
// empty dir is the root itself.
func (c *Config) ResolveDir(dir string) string {
	if dir == "" {
		return c.Paths.Root
	}
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(c.Paths.Root, dir)
}

// Cells enumerates the configured matrix.
func (c *Config) Cells() ([]matrix.Cell, error) {
	return matrix.Enumerate(c.Definition)
}
