package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqmatrix/internal/matrix"
)

const sampleYAML = `
version: 1
paths:
  logs: out/logs
workers: 3
build_timeout: 90s
retry:
  max_attempts: 3
  transient_patterns:
    - "(?i)connection reset"
algorithms:
  - family: ml-kem
    parameter_set: "768"
    kind: kem
    max_vectors: 10
    verification:
      version: 2
      min_size: 1024
      companions: [api.h]
      checksums:
        - platform: host
          digest: "sha256:0000000000000000000000000000000000000000000000000000000000000000"
  - family: ml-dsa
    parameter_set: "65"
    kind: signature
    vectors: kats/dsa65
platforms:
  - id: host
    tools: [sh]
    build:
      argv: [sh, -c, "make ${VARIANT} FLAGS='${FLAGS}'"]
      artifact: "build/${CELL}/lib.a"
    harness:
      reference: true
  - id: wasm32-wasip1
    capabilities: [requires-external-sdk]
    tools: [clang-wasi]
    build:
      argv: [clang-wasi, "${FLAGS}"]
      artifact: "wasm/${VARIANT}.wasm"
    harness:
      argv: [wasmtime, "${ARTIFACT}"]
profiles:
  - name: speed
    flags: -O3
matrix:
  exclude:
    - algorithm: ml-dsa-65
      platform: wasm32-wasip1
benchmark:
  enabled: true
gates:
  - phase: packaging
    platforms: [host]
  - phase: publish
    override: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "pipeline.yaml", sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, dir, cfg.Paths.Root)
	assert.Equal(t, filepath.Join(dir, "out/logs"), cfg.Paths.Logs)
	assert.Equal(t, filepath.Join(dir, DefaultReportsDir), cfg.Paths.Reports)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.BuildTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Retry.IsTransient([]byte("fetch: Connection Reset by peer")))
	assert.False(t, cfg.Retry.IsTransient([]byte("undefined reference to poly_ntt")))
	assert.Equal(t, DefaultIterations, cfg.Benchmark.Iterations)
	assert.Equal(t, DefaultInheritEnv(), cfg.InheritEnv)

	cells, err := cfg.Cells()
	require.NoError(t, err)
	ids := make([]string, len(cells))
	for i, c := range cells {
		ids[i] = c.ID()
	}
	assert.Equal(t, []string{
		"ml-dsa-65__host__speed",
		"ml-kem-768__host__speed",
		"ml-kem-768__wasm32-wasip1__speed",
	}, ids)
	assert.Equal(t, "sha256:"+strings.Repeat("0", 64), cells[1].Rule.Checksum)
	assert.Empty(t, cells[2].Rule.Checksum)
	assert.Equal(t, int64(1024), cells[2].Rule.MinSize)

	dsa := cells[0].Variant
	assert.Equal(t, filepath.Join(dir, "kats/dsa65"), cfg.VectorDir(dsa))
	assert.Equal(t, filepath.Join(dir, DefaultVectorsDir, "ml-kem-768"), cfg.VectorDir(cells[1].Variant))
	assert.Equal(t, 10, cfg.MaxVectors(cells[1].Variant))

	host, ok := cfg.Platform("host")
	require.True(t, ok)
	assert.True(t, host.Harness.Reference)

	require.Len(t, cfg.Gates, 2)
	assert.False(t, cfg.Gates[0].Override)
	assert.Equal(t, "publish", cfg.Gates[1].Phase)
	assert.True(t, cfg.Gates[1].Override)
}

func TestLoad_JSONC(t *testing.T) {
	body := `{
  // JSONC allows comments and trailing commas.
  "algorithms": [{"family": "ml-kem", "parameter_set": "512", "kind": "KEM"},],
  "platforms": [{
    "id": "host",
    "build": {"argv": ["sh", "-c", "true"], "artifact": "out/${CELL}.a"},
  }],
  "profiles": [{"name": "size", "flags": "-Os"}],
}`
	cfg, err := Load(writeFile(t, "pipeline.jsonc", body))
	require.NoError(t, err)
	assert.Equal(t, DefaultBuildTimeout, cfg.BuildTimeout)
	assert.Equal(t, DefaultMaxAttempts, cfg.Retry.MaxAttempts)
	assert.Positive(t, cfg.Workers)
}

func TestLoad_RejectsBadConfigs(t *testing.T) {
	cases := map[string]string{
		"unknown key":         "bogus: 1\n",
		"empty":               "",
		"bad duration":        "build_timeout: soon\n",
		"unknown selection":   strings.Replace(sampleYAML, "benchmark:", "  algorithms: [falcon-512]\nbenchmark:", 1),
		"bad digest":          strings.Replace(sampleYAML, `"sha256:0000`, `"md5:0000`, 1),
		"unresolved var":      strings.Replace(sampleYAML, "${VARIANT} FLAGS", "${NOPE} FLAGS", 1),
		"artifact in build":   strings.Replace(sampleYAML, "make ${VARIANT}", "make ${ARTIFACT}", 1),
		"unknown gate target": strings.Replace(sampleYAML, "platforms: [host]", "platforms: [riscv]", 1),
		"bad regexp":          strings.Replace(sampleYAML, `"(?i)connection reset"`, `"(unclosed"`, 1),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "pipeline.yaml", body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, matrix.ErrConfiguration), "got %v", err)
		})
	}

	_, err := Load(writeFile(t, "pipeline.toml", "x = 1"))
	assert.ErrorIs(t, err, matrix.ErrConfiguration)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, matrix.ErrConfiguration)
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := Load(writeFile(t, "pipeline.yaml", sampleYAML))
	require.NoError(t, err)

	cfg.Apply(Overrides{})
	assert.Equal(t, 3, cfg.Workers)
	assert.False(t, cfg.OverrideGate)

	cfg.Apply(Overrides{Workers: 8, BuildTimeout: time.Second, OverrideGate: true})
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, time.Second, cfg.BuildTimeout)
	assert.True(t, cfg.OverrideGate)
}

func TestExpand(t *testing.T) {
	vars := map[string]string{"VARIANT": "ml-kem-768", "FLAGS": "-O3"}

	out, err := Expand("make ${VARIANT} CFLAGS=${FLAGS} HOME=$HOME", vars)
	require.NoError(t, err)
	assert.Equal(t, "make ml-kem-768 CFLAGS=-O3 HOME=$HOME", out)

	_, err = Expand("${A} ${VARIANT} ${B}", vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A, B")

	cmd, err := Command{
		Argv: []string{"build", "${VARIANT}"},
		Dir:  "src/${VARIANT}",
		Env:  map[string]string{"CFLAGS": "${FLAGS}"},
	}.Expand(vars)
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "ml-kem-768"}, cmd.Argv)
	assert.Equal(t, "src/ml-kem-768", cmd.Dir)
	assert.Equal(t, "-O3", cmd.Env["CFLAGS"])
}

func TestCellVariables(t *testing.T) {
	cfg, err := Load(writeFile(t, "pipeline.yaml", sampleYAML))
	require.NoError(t, err)
	cells, err := cfg.Cells()
	require.NoError(t, err)

	vars := cfg.ArtifactVariables(cells[1], "/a/b/lib.a")
	assert.Equal(t, "ml-kem", vars[VarFamily])
	assert.Equal(t, "768", vars[VarParameterSet])
	assert.Equal(t, "KEM", vars[VarKind])
	assert.Equal(t, "ml-kem-768__host__speed", vars[VarCell])
	assert.Equal(t, "-O3", vars[VarFlags])
	assert.Equal(t, "/a/b", vars[VarArtifactDir])
}
