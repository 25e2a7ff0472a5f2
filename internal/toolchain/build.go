// Package toolchain drives the external build of one cell and classifies what
// happened: Success with a staged artifact, Failure with the exit code and
// captured output, or Skipped when the platform's tools are not installed.
//
// Every attempt writes its own log file, <logs>/<timestamp>-<cell-id>.log,
// created exclusively so no attempt ever appends to another's log.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"pqmatrix/internal/clock"
	"pqmatrix/internal/config"
	"pqmatrix/internal/logging"
	"pqmatrix/internal/matrix"
)

// Status is the closed set of build outcomes.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusSkipped Status = "SKIPPED"
)

// Stable failure and skip reason prefixes.
const (
	ReasonToolUnavailable  = "tool_unavailable"
	ReasonTimeout          = "timeout"
	ReasonExitCode         = "exit_code"
	ReasonStartFailed      = "start_failed"
	ReasonCancelled        = "cancelled"
	ReasonNoArtifact       = "artifact_not_produced"
	ReasonStagingFailed    = "staging_failed"
	ReasonNotConfigured    = "platform_not_configured"
	ReasonTemplateFailed   = "template_failed"
	ReasonLogUnavailable   = "log_unavailable"
	maxCapturedOutputBytes = 16 << 10
)

// Attempt records one try of a cell's build.
type Attempt struct {
	Number    int           `json:"number"`
	LogPath   string        `json:"log_path"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Transient bool          `json:"transient,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Outcome is the classified result of Build.
type Outcome struct {
	Status Status

	// ArtifactPath is the staged artifact, set only on Success.
	ArtifactPath string

	ExitCode int
	TimedOut bool

	// CapturedOutput is the tail of the last attempt's combined output. The
	// full output is in the attempt's log file.
	CapturedOutput []byte

	// Reason is set for Failure and Skipped.
	Reason string

	Attempts []Attempt
}

// LogPath returns the last attempt's log file, if any.
func (o Outcome) LogPath() string {
	if len(o.Attempts) == 0 {
		return ""
	}
	return o.Attempts[len(o.Attempts)-1].LogPath
}

var errLogUnavailable = errors.New(ReasonLogUnavailable)

// ToolUnavailableError reports a required tool that is not installed.
type ToolUnavailableError struct {
	Tool string
	Err  error
}

func (e *ToolUnavailableError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", ReasonToolUnavailable, e.Tool)
}

func (e *ToolUnavailableError) Unwrap() error { return e.Err }

// Builder runs the configured build command for cells.
type Builder struct {
	Config *config.Config
	Runner Runner
	Clock  clock.Clock
	Logger *zap.Logger

	// LookPath resolves tool names; exec.LookPath when nil.
	LookPath func(file string) (string, error)
	// Getenv reads inherited host variables; os.Getenv when nil.
	Getenv func(key string) string
}

// NewBuilder returns a Builder using real processes and the wall clock.
func NewBuilder(cfg *config.Config, logger *zap.Logger) *Builder {
	return &Builder{
		Config: cfg,
		Runner: ProcessRunner{},
		Clock:  clock.Real(),
		Logger: logging.OrNop(logger),
	}
}

// Build runs the cell's build, retrying only failures whose output matches the
// configured transient predicate, and stages the artifact on success.
//
// Each attempt is bounded by the configured build timeout. A cancelled ctx
// aborts the running attempt; callers that want in-flight builds to finish
// should pass a context detached from run cancellation.
func (b *Builder) Build(ctx context.Context, cell matrix.Cell) Outcome {
	log := logging.OrNop(b.Logger).With(zap.String("cell", cell.ID()))

	pc, ok := b.Config.Platform(cell.Platform.ID)
	if !ok {
		return Outcome{Status: StatusFailure, ExitCode: -1, Reason: fmt.Sprintf("%s: platform=%s", ReasonNotConfigured, cell.Platform.ID)}
	}
	vars := b.Config.CellVariables(cell)
	cmd, err := pc.Build.Command.Expand(vars)
	if err != nil {
		return Outcome{Status: StatusFailure, ExitCode: -1, Reason: fmt.Sprintf("%s: build: %v", ReasonTemplateFailed, err)}
	}
	artifactRel, err := config.Expand(pc.Build.Artifact, vars)
	if err != nil {
		return Outcome{Status: StatusFailure, ExitCode: -1, Reason: fmt.Sprintf("%s: artifact: %v", ReasonTemplateFailed, err)}
	}
	dir := b.Config.ResolveDir(cmd.Dir)
	artifactSrc := artifactRel
	if !filepath.IsAbs(artifactSrc) {
		artifactSrc = filepath.Join(dir, artifactSrc)
	}

	if err := b.checkTools(cell.Platform.Tools, cmd.Argv[0], dir); err != nil {
		var tu *ToolUnavailableError
		if errors.As(err, &tu) {
			log.Info("build skipped", zap.String("tool", tu.Tool))
			return Outcome{Status: StatusSkipped, Reason: tu.Error()}
		}
		return Outcome{Status: StatusFailure, ExitCode: -1, Reason: err.Error()}
	}

	env := BuildEnv(b.Config.InheritEnv, b.getenv, cmd.Env)
	maxAttempts := b.Config.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var out Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, att, err := b.attempt(ctx, cell, cmd.Argv, dir, env, attempt, maxAttempts)
		out.Attempts = append(out.Attempts, att)
		if err != nil {
			switch {
			case errors.Is(err, ErrCancelled):
				out.Status, out.ExitCode, out.Reason = StatusFailure, -1, ReasonCancelled
			case errors.Is(err, exec.ErrNotFound):
				out = Outcome{Status: StatusSkipped, Reason: fmt.Sprintf("%s: %s", ReasonToolUnavailable, cmd.Argv[0]), Attempts: out.Attempts}
			case errors.Is(err, errLogUnavailable):
				out.Status, out.ExitCode, out.Reason = StatusFailure, -1, err.Error()
			default:
				out.Status, out.ExitCode, out.Reason = StatusFailure, -1, fmt.Sprintf("%s: %v", ReasonStartFailed, err)
			}
			log.Warn("build attempt could not run", zap.Int("attempt", attempt), zap.Error(err))
			return out
		}

		out.ExitCode = res.ExitCode
		out.TimedOut = res.TimedOut
		out.CapturedOutput = tail(res.Combined, maxCapturedOutputBytes)

		if res.ExitCode == 0 && !res.TimedOut {
			staged, err := b.stage(cell, artifactSrc)
			if err != nil {
				out.Status = StatusFailure
				if errors.Is(err, fs.ErrNotExist) {
					out.Reason = fmt.Sprintf("%s: path=%s", ReasonNoArtifact, artifactRel)
				} else {
					out.Reason = fmt.Sprintf("%s: %v", ReasonStagingFailed, err)
				}
				log.Warn("build produced no usable artifact", zap.String("reason", out.Reason))
				return out
			}
			out.Status = StatusSuccess
			out.ArtifactPath = staged
			out.Reason = ""
			log.Info("build succeeded", zap.Int("attempt", attempt), zap.String("artifact", staged))
			return out
		}

		out.Status = StatusFailure
		if res.TimedOut {
			out.Reason = fmt.Sprintf("%s: after=%s", ReasonTimeout, b.Config.BuildTimeout)
		} else {
			out.Reason = fmt.Sprintf("%s: %d", ReasonExitCode, res.ExitCode)
		}
		if attempt < maxAttempts && b.Config.Retry.IsTransient(res.Combined) {
			out.Attempts[len(out.Attempts)-1].Transient = true
			log.Info("transient build failure, retrying", zap.Int("attempt", attempt), zap.String("reason", out.Reason))
			continue
		}
		log.Warn("build failed", zap.Int("attempt", attempt), zap.String("reason", out.Reason), zap.String("log", att.LogPath))
		return out
	}
	return out
}

func (b *Builder) attempt(ctx context.Context, cell matrix.Cell, argv []string, dir string, env []string, n, total int) (Result, Attempt, error) {
	att := Attempt{Number: n, ExitCode: -1}
	lf, err := OpenAttemptLog(b.Config.Paths.Logs, cell.ID(), b.clock())
	if err != nil {
		return Result{}, att, fmt.Errorf("%w: %v", errLogUnavailable, err)
	}
	defer lf.Close()
	att.LogPath = lf.Path()

	lf.Header(map[string]string{
		"cell":    cell.ID(),
		"attempt": fmt.Sprintf("%d/%d", n, total),
		"argv":    strings.Join(argv, " "),
		"dir":     dir,
		"flags":   cell.Profile.Flags,
		"started": lf.Started().Format(time.RFC3339Nano),
	})

	runCtx, cancel := context.WithTimeout(ctx, b.Config.BuildTimeout)
	defer cancel()
	res, err := b.Runner.Run(runCtx, Invocation{Argv: argv, Dir: dir, Env: env, Output: lf})
	if err != nil {
		lf.Footer(map[string]string{"error": err.Error()})
		return Result{}, att, err
	}
	att.ExitCode = res.ExitCode
	att.TimedOut = res.TimedOut
	att.Duration = res.Duration
	footer := map[string]string{
		"exit_code": fmt.Sprint(res.ExitCode),
		"duration":  res.Duration.String(),
	}
	if res.TimedOut {
		footer["timed_out"] = "true"
	}
	lf.Footer(footer)
	return res, att, nil
}

// checkTools resolves every declared platform tool and the command itself.
func (b *Builder) checkTools(tools []string, argv0, dir string) error {
	candidates := append(append([]string(nil), tools...), argv0)
	for _, tool := range candidates {
		if tool == "" {
			continue
		}
		if strings.ContainsRune(tool, filepath.Separator) || strings.ContainsRune(tool, '/') {
			p := tool
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			if _, err := os.Stat(p); err != nil {
				return &ToolUnavailableError{Tool: tool, Err: err}
			}
			continue
		}
		if _, err := b.lookPath(tool); err != nil {
			return &ToolUnavailableError{Tool: tool, Err: err}
		}
	}
	return nil
}

func (b *Builder) lookPath(file string) (string, error) {
	if b.LookPath != nil {
		return b.LookPath(file)
	}
	return exec.LookPath(file)
}

func (b *Builder) getenv(key string) string {
	if b.Getenv != nil {
		return b.Getenv(key)
	}
	return os.Getenv(key)
}

func (b *Builder) clock() clock.Clock {
	if b.Clock == nil {
		return clock.Real()
	}
	return b.Clock
}

// BuildEnv assembles a command environment from an allowlist of inherited host
// variables plus explicit values. Explicit values win; the result is sorted so
// logs are stable.
func BuildEnv(inherit []string, getenv func(string) string, explicit map[string]string) []string {
	merged := make(map[string]string, len(inherit)+len(explicit))
	for _, k := range inherit {
		if v := getenv(k); v != "" {
			merged[k] = v
		}
	}
	for k, v := range explicit {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return append([]byte(nil), b...)
	}
	return append([]byte(nil), b[len(b)-n:]...)
}
