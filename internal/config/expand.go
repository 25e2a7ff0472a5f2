package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"pqmatrix/internal/matrix"
)

// variablePattern matches ${NAME}. Bare $NAME is left alone for the shell.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Variables available to build templates. Harness and bench templates may
// additionally use ARTIFACT and ARTIFACT_DIR.
const (
	VarFamily       = "FAMILY"
	VarParameterSet = "PARAMETER_SET"
	VarVariant      = "VARIANT"
	VarKind         = "KIND"
	VarPlatform     = "PLATFORM"
	VarProfile      = "PROFILE"
	VarFlags        = "FLAGS"
	VarCell         = "CELL"
	VarRoot         = "ROOT"
	VarArtifact     = "ARTIFACT"
	VarArtifactDir  = "ARTIFACT_DIR"
)

// Expand replaces ${NAME} references with values from vars. Every unresolved
// name is reported in one error so a broken template fails fast.
func Expand(input string, vars map[string]string) (string, error) {
	var unresolved []string
	out := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		unresolved = append(unresolved, name)
		return match
	})
	if len(unresolved) > 0 {
		return "", fmt.Errorf("unresolved variables: %s", strings.Join(unresolved, ", "))
	}
	return out, nil
}

// Expand returns a copy of the command with every template field expanded.
func (c Command) Expand(vars map[string]string) (Command, error) {
	out := Command{Argv: make([]string, len(c.Argv))}
	for i, a := range c.Argv {
		v, err := Expand(a, vars)
		if err != nil {
			return Command{}, fmt.Errorf("argv[%d]: %w", i, err)
		}
		out.Argv[i] = v
	}
	dir, err := Expand(c.Dir, vars)
	if err != nil {
		return Command{}, fmt.Errorf("dir: %w", err)
	}
	out.Dir = dir
	if len(c.Env) > 0 {
		out.Env = make(map[string]string, len(c.Env))
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := Expand(c.Env[k], vars)
			if err != nil {
				return Command{}, fmt.Errorf("env[%s]: %w", k, err)
			}
			out.Env[k] = v
		}
	}
	return out, nil
}

// CellVariables returns the template variables describing one cell.
func (c *Config) CellVariables(cell matrix.Cell) map[string]string {
	return map[string]string{
		VarFamily:       cell.Variant.Family,
		VarParameterSet: cell.Variant.ParameterSet,
		VarVariant:      cell.Variant.ID(),
		VarKind:         string(cell.Variant.Kind),
		VarPlatform:     cell.Platform.ID,
		VarProfile:      cell.Profile.Name,
		VarFlags:        cell.Profile.Flags,
		VarCell:         cell.ID(),
		VarRoot:         c.Paths.Root,
	}
}

// ArtifactVariables extends the cell variables with the staged artifact.
func (c *Config) ArtifactVariables(cell matrix.Cell, artifactPath string) map[string]string {
	vars := c.CellVariables(cell)
	vars[VarArtifact] = artifactPath
	vars[VarArtifactDir] = filepath.Dir(artifactPath)
	return vars
}

// templateProbe holds every variable name with a placeholder value; it is used
// at load time to reject templates that could never resolve.
func templateProbe(withArtifact bool) map[string]string {
	vars := map[string]string{}
	for _, name := range []string{VarFamily, VarParameterSet, VarVariant, VarKind, VarPlatform, VarProfile, VarFlags, VarCell, VarRoot} {
		vars[name] = "x"
	}
	if withArtifact {
		vars[VarArtifact] = "x"
		vars[VarArtifactDir] = "x"
	}
	return vars
}
