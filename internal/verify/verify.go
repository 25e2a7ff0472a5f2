// Package verify applies a variant's verification rule to a built artifact.
//
// Checks run in a fixed order and stop at the first failure:
//
//  1. the artifact exists, is a regular file and is non-empty
//  2. its size meets the rule's minimum
//  3. every companion file exists next to it
//  4. its digest matches the reference checksum, when one is configured
//
// Failure reasons are stable, machine-parsable strings ("size_below_threshold:
// got=1200 min=400000") so reports can be diffed across runs.
package verify

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"pqmatrix/internal/matrix"
)

// Reason codes. The text after the code carries key=value details.
const (
	ReasonArtifactMissing    = "artifact_missing"
	ReasonArtifactNotRegular = "artifact_not_regular"
	ReasonArtifactEmpty      = "artifact_empty"
	ReasonSizeBelowThreshold = "size_below_threshold"
	ReasonCompanionMissing   = "companion_missing"
	ReasonChecksumInvalid    = "checksum_invalid"
	ReasonChecksumMismatch   = "checksum_mismatch"
	ReasonIOError            = "io_error"
)

// ContentHashAlgorithm is used for the artifact content hash recorded on every
// verified artifact, independent of any reference checksum.
const ContentHashAlgorithm = AlgoBLAKE3

// Artifact describes the file a successful build produced for one cell.
type Artifact struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Result is the closed outcome of verification: Verified, or not with a
// reason.
type Result struct {
	Verified bool
	Reason   string
	Rule     string
	Artifact Artifact
}

func failed(rule, format string, args ...any) Result {
	return Result{Verified: false, Reason: fmt.Sprintf(format, args...), Rule: rule}
}

// Verify runs the cell's rule against artifactPath.
func Verify(cell matrix.Cell, artifactPath string) Result {
	rule := cell.Rule
	label := rule.Label()

	info, err := os.Stat(artifactPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return failed(label, "%s: path=%s", ReasonArtifactMissing, artifactPath)
	case err != nil:
		return failed(label, "%s: stat %s: %v", ReasonIOError, artifactPath, err)
	case !info.Mode().IsRegular():
		return failed(label, "%s: path=%s mode=%s", ReasonArtifactNotRegular, artifactPath, info.Mode().Type())
	case info.Size() == 0:
		return failed(label, "%s: path=%s", ReasonArtifactEmpty, artifactPath)
	}

	size := info.Size()
	if size < rule.MinSize {
		return failed(label, "%s: got=%d min=%d", ReasonSizeBelowThreshold, size, rule.MinSize)
	}

	dir := filepath.Dir(artifactPath)
	companions := append([]string(nil), rule.Companions...)
	sort.Strings(companions)
	for _, name := range companions {
		p := filepath.Join(dir, name)
		st, err := os.Stat(p)
		if err != nil || st.IsDir() {
			return failed(label, "%s: file=%s", ReasonCompanionMissing, name)
		}
	}

	if rule.Checksum != "" {
		want, err := ParseDigest(rule.Checksum)
		if err != nil {
			return failed(label, "%s: %v", ReasonChecksumInvalid, err)
		}
		got, err := HashFile(artifactPath, want.Algorithm)
		if err != nil {
			return failed(label, "%s: %v", ReasonIOError, err)
		}
		if !got.Equal(want) {
			return failed(label, "%s: algo=%s got=%s want=%s", ReasonChecksumMismatch, want.Algorithm, got.Hex(), want.Hex())
		}
	}

	content, err := HashFile(artifactPath, ContentHashAlgorithm)
	if err != nil {
		return failed(label, "%s: %v", ReasonIOError, err)
	}
	return Result{
		Verified: true,
		Rule:     label,
		Artifact: Artifact{Path: artifactPath, Size: size, ContentHash: content.String()},
	}
}
