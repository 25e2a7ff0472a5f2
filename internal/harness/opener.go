package harness

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"pqmatrix/internal/config"
	"pqmatrix/internal/kat"
	"pqmatrix/internal/matrix"
	"pqmatrix/internal/toolchain"
)

// Opener picks a cell's harness from its platform configuration.
type Opener struct {
	Config *config.Config
	Runner toolchain.Runner
	Getenv func(string) string
	Logger *zap.Logger
}

var _ kat.Opener = (*Opener)(nil)

// NewOpener returns an opener that runs external harnesses as child
// processes.
func NewOpener(cfg *config.Config, logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{Config: cfg, Runner: toolchain.ProcessRunner{}, Getenv: os.Getenv, Logger: logger}
}

// Open implements kat.Opener.
func (o *Opener) Open(cell matrix.Cell, artifactPath string) (kat.Harness, error) {
	p, ok := o.Config.Platform(cell.Platform.ID)
	if !ok {
		return nil, kat.ErrNoHarness
	}
	if p.Harness.Reference {
		ref, err := NewReference(cell.Variant)
		if err != nil {
			return nil, err
		}
		return ref, nil
	}
	if p.Harness.IsZero() {
		return nil, kat.ErrNoHarness
	}
	return o.Exec(cell, artifactPath, p.Harness.Command)
}

// Exec expands a command template for one cell's artifact into an Exec
// harness.
func (o *Opener) Exec(cell matrix.Cell, artifactPath string, tmpl config.Command) (*Exec, error) {
	cmd, err := tmpl.Expand(o.Config.ArtifactVariables(cell, artifactPath))
	if err != nil {
		return nil, fmt.Errorf("expand harness command: %w", err)
	}
	getenv := o.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	runner := o.Runner
	if runner == nil {
		runner = toolchain.ProcessRunner{}
	}
	o.logger().Debug("harness bound", zap.String("cell", cell.ID()), zap.Strings("argv", cmd.Argv))
	return &Exec{
		Runner:  runner,
		Argv:    cmd.Argv,
		Dir:     o.Config.ResolveDir(cmd.Dir),
		Env:     toolchain.BuildEnv(o.Config.InheritEnv, getenv, cmd.Env),
		Timeout: o.Config.BuildTimeout,
	}, nil
}

func (o *Opener) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}
