package report

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pqmatrix/internal/cellstate"
	"pqmatrix/internal/clock"
	"pqmatrix/internal/events"
	"pqmatrix/internal/gate"
	"pqmatrix/internal/matrix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testCells enumerates ml-kem-512 and ml-kem-768 on host and wasm:
// 0 512/host, 1 512/wasm, 2 768/host, 3 768/wasm.
func testCells(t *testing.T) []matrix.Cell {
	t.Helper()
	cells, err := matrix.Enumerate(matrix.Definition{
		Variants: []matrix.AlgorithmVariant{
			{Family: "ml-kem", ParameterSet: "768", Kind: matrix.KindKEM},
			{Family: "ml-kem", ParameterSet: "512", Kind: matrix.KindKEM},
		},
		Platforms: []matrix.Platform{{ID: "wasm"}, {ID: "host"}},
		Profiles:  []matrix.BuildProfile{{Name: "speed", Flags: "-O3"}},
	})
	require.NoError(t, err)
	require.Len(t, cells, 4)
	return cells
}

type script struct {
	cells []matrix.Cell
	seq   int64
	recs  []events.Record
}

func (s *script) add(r events.Record) {
	s.seq++
	r.Seq = s.seq
	r.Time = epoch.Add(time.Duration(s.seq) * time.Second)
	s.recs = append(s.recs, r)
}

func (s *script) start(runID string, override bool) {
	s.add(events.Record{Kind: events.KindRunStarted, Index: -1, Run: &events.RunDetail{
		ID: runID, MatrixHash: matrix.ComputeHash(s.cells).String(), Cells: len(s.cells), Workers: 2, OverrideGate: override,
	}})
}

func (s *script) finish(interrupted bool) {
	s.add(events.Record{Kind: events.KindRunFinished, Index: -1, Run: &events.RunDetail{ID: "run-1", Interrupted: interrupted}})
}

// path walks cell i through the given states, attaching r's details to the
// last transition.
func (s *script) path(i int, last events.Record, states ...cellstate.State) {
	c := s.cells[i]
	from := cellstate.Pending
	for n, to := range states {
		rec := events.Record{Kind: events.KindTransition, Cell: c.ID(), Index: c.Index, Phase: cellstate.PhaseOf(to), From: from, To: to}
		if n == len(states)-1 {
			rec.Reason, rec.LogPath = last.Reason, last.LogPath
			rec.Build, rec.Artifact, rec.Test, rec.Timing = last.Build, last.Artifact, last.Test, last.Timing
		}
		s.add(rec)
		from = to
	}
}

var toTested = []cellstate.State{cellstate.Building, cellstate.Built, cellstate.Verifying, cellstate.Verified, cellstate.Testing}

func with(states []cellstate.State, more ...cellstate.State) []cellstate.State {
	return append(append([]cellstate.State{}, states...), more...)
}

// mixedRun: 0 passes and is benchmarked, 1 is skipped, 2 fails its vectors,
// 3 fails to build.
func mixedRun(t *testing.T, override bool) *script {
	s := &script{cells: testCells(t)}
	s.start("run-1", override)
	s.path(0, events.Record{Test: &events.TestDetail{VectorIndex: -1, Vectors: 10, Source: "/v/ml-kem-512"}}, with(toTested, cellstate.TestedPass)...)
	s.path(3, events.Record{Reason: "exit_code: 2", LogPath: "/logs/b.log", Build: &events.BuildDetail{ExitCode: 2, Attempts: 1, Output: "poly.c: error"}}, cellstate.Building, cellstate.BuildFailed)
	s.path(1, events.Record{Reason: "tool_unavailable: clang-wasi"}, cellstate.Building, cellstate.BuildSkipped)
	s.path(2, events.Record{
		Reason: "mismatch: field=ss index=3 offset=7 got_len=32 want_len=32 at=a.rsp:40 count=3",
		Test:   &events.TestDetail{VectorIndex: 3, Count: 3, Field: "ss", Vectors: 10},
	}, with(toTested, cellstate.TestedFail)...)
	s.add(events.Record{Kind: events.KindTransition, Cell: s.cells[0].ID(), Index: 0, Phase: cellstate.PhaseBenchmark, From: cellstate.TestedPass, To: cellstate.Benchmarked,
		Timing: &events.TimingDetail{Samples: []int64{10, 20, 30}, P50: 20, P95: 30, Source: "harness"}})
	s.finish(false)
	return s
}

func TestBuild_ClassifiesAndCounts(t *testing.T) {
	s := mixedRun(t, false)
	r, err := Build(s.recs, s.cells, nil)
	require.NoError(t, err)

	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, matrix.ComputeHash(s.cells).String(), r.MatrixHash)
	assert.False(t, r.Interrupted)
	assert.Equal(t, epoch.Add(time.Second), r.Started)

	want := Summary{Cells: 4, Passed: 1, Skipped: 1, BuildFailed: 1, TestFailed: 1, Benchmarked: 1, Blocking: 2, Informational: 1}
	if diff := cmp.Diff(want, r.Summary); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}

	wantFailures := []Failure{
		{Cell: "ml-kem-768__host__speed", Class: ClassTestFailure, Phase: cellstate.PhaseTest, Reason: "mismatch: field=ss index=3 offset=7 got_len=32 want_len=32 at=a.rsp:40 count=3"},
		{Cell: "ml-kem-768__wasm__speed", Class: ClassBuildFailure, Phase: cellstate.PhaseBuild, Reason: "exit_code: 2", LogPath: "/logs/b.log"},
	}
	if diff := cmp.Diff(wantFailures, r.Failures); diff != "" {
		t.Fatalf("failures mismatch (-want +got):\n%s", diff)
	}

	wantGroups := []Group{
		{Variant: "ml-kem-512", Platform: "host", Passed: 1},
		{Variant: "ml-kem-512", Platform: "wasm", Skipped: 1},
		{Variant: "ml-kem-768", Platform: "host", Failed: 1},
		{Variant: "ml-kem-768", Platform: "wasm", Failed: 1},
	}
	if diff := cmp.Diff(wantGroups, r.Groups); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}

	pass := r.Cells[0]
	assert.Equal(t, cellstate.Benchmarked, pass.State)
	assert.Equal(t, ClassPass, pass.Class)
	assert.Equal(t, cellstate.PhaseTest, pass.Phase)
	require.NotNil(t, pass.Timing)
	assert.Equal(t, int64(20), pass.Timing.P50)

	require.Len(t, r.Gates, len(cellstate.Phases()))
	for _, d := range r.Gates {
		assert.False(t, d.Satisfied, d.Phase)
		assert.False(t, d.Unblocked, d.Phase)
	}
	assert.Equal(t, []string{"ml-kem-768__wasm__speed"}, r.Gates[0].Blocking)
}

func TestBuild_IndependentOfInterleaving(t *testing.T) {
	s := mixedRun(t, false)
	targets := []gate.Target{{Phase: "packaging", Platforms: []string{"host"}}}
	want, err := Build(s.recs, s.cells, targets)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]events.Record(nil), s.recs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := Build(shuffled, s.cells, targets)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("report depends on record order (-want +got):\n%s", diff)
		}
	}
}

func TestBuild_ConfiguredGateAndOverride(t *testing.T) {
	s := mixedRun(t, true)
	targets := []gate.Target{
		{Phase: "packaging", Algorithms: []string{"ml-kem-512"}},
		{Phase: "release"},
	}
	r, err := Build(s.recs, s.cells, targets)
	require.NoError(t, err)
	require.Len(t, r.Gates, len(cellstate.Phases())+2)

	pkg := r.Gates[len(r.Gates)-2]
	assert.Equal(t, "packaging", pkg.Phase)
	assert.True(t, pkg.Satisfied, "a pass and a skip do not block")
	assert.False(t, pkg.Overridden)

	rel := r.Gates[len(r.Gates)-1]
	assert.False(t, rel.Satisfied)
	assert.True(t, rel.Overridden)
	assert.True(t, rel.Unblocked)
	assert.True(t, r.OverrideGate)
	assert.Equal(t, 2, r.Summary.Blocking, "the override never hides failures")

	md := string(RenderMarkdown(r))
	assert.Contains(t, md, "Gate override in effect")
	assert.Contains(t, md, "| release | overridden | 4/4 | 2 |")
}

func TestBuild_PartialRun(t *testing.T) {
	s := &script{cells: testCells(t)}
	s.start("run-2", false)
	s.path(0, events.Record{}, with(toTested, cellstate.TestedPass)...)
	s.path(1, events.Record{}, cellstate.Building)

	r, err := Build(s.recs, s.cells, nil)
	require.NoError(t, err)
	assert.True(t, r.Interrupted)
	assert.True(t, r.Finished.IsZero())
	assert.Equal(t, 3, r.Summary.Incomplete)
	assert.Equal(t, cellstate.Building, r.Cells[1].State)
	assert.Equal(t, cellstate.Pending, r.Cells[2].State)
	assert.Equal(t, []string{s.cells[1].ID(), s.cells[2].ID(), s.cells[3].ID()}, r.Gates[0].Unfinished)

	md := string(RenderMarkdown(r))
	assert.Contains(t, md, "**interrupted**")
	assert.Contains(t, md, "## Incomplete cells")
	assert.Contains(t, md, "- `ml-kem-512__wasm__speed` (BUILDING)")
}

func TestBuild_RejectsForeignLog(t *testing.T) {
	s := mixedRun(t, false)

	_, err := Build(s.recs, s.cells[:3], nil)
	assert.ErrorIs(t, err, ErrMatrixMismatch)

	s.recs[0].Run.MatrixHash = "sha256:other"
	_, err = Build(s.recs, s.cells, nil)
	assert.ErrorIs(t, err, ErrMatrixMismatch)
}

func TestBuild_NotesAndCoverage(t *testing.T) {
	s := &script{cells: testCells(t)}
	s.start("run-3", false)
	s.path(0, events.Record{Test: &events.TestDetail{VectorIndex: -1, Vectors: 4, Coverage: []string{"independent_decaps_uncovered"}}}, with(toTested, cellstate.TestedPass)...)
	s.add(events.Record{Kind: events.KindNote, Cell: s.cells[0].ID(), Index: 0, Phase: cellstate.PhaseBenchmark, Reason: "benchmark_unavailable: no invoker"})
	s.finish(false)

	r, err := Build(s.recs, s.cells, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"benchmark: benchmark_unavailable: no invoker"}, r.Cells[0].Notes)
	md := string(RenderMarkdown(r))
	assert.Contains(t, md, "## Notes")
	assert.Contains(t, md, "coverage: independent_decaps_uncovered")
}

func TestStore_WriteAllRoundTrip(t *testing.T) {
	s := mixedRun(t, false)
	r, err := Build(s.recs, s.cells, nil)
	require.NoError(t, err)

	store, err := NewStore(filepath.Join(t.TempDir(), "reports"))
	require.NoError(t, err)
	require.NoError(t, store.WriteAll(r))

	loaded, err := store.LoadJSON()
	require.NoError(t, err)
	if diff := cmp.Diff(r, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("report.json round trip (-want +got):\n%s", diff)
	}
	g, err := store.LoadGate()
	require.NoError(t, err)
	if diff := cmp.Diff(GateSummaryOf(r), g, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("gate.json round trip (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, g.Blocking)
	assert.True(t, g.AllFinished)

	md, err := os.ReadFile(store.Path(MarkdownFile))
	require.NoError(t, err)
	assert.Equal(t, RenderMarkdown(r), md)
	assert.Contains(t, string(md), "| `ml-kem-768__wasm__speed` | build | exit_code: 2 | `/logs/b.log` |")

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.", "no temp files left behind")
	}

	require.NoError(t, os.WriteFile(store.Path(JSONFile), []byte(`{"run_id": "x", "bogus": 1}`), 0o644))
	_, err = store.LoadJSON()
	assert.Error(t, err)
}

func TestErrorReport_RenderAndParse(t *testing.T) {
	e := ErrorReport{
		Timestamp: epoch,
		RunID:     "run-1",
		Cell:      "ml-kem-768__wasm__speed",
		Variant:   "ml-kem-768",
		Platform:  "wasm",
		Profile:   "speed",
		Phase:     cellstate.PhaseBuild,
		State:     cellstate.BuildFailed,
		Reason:    "exit_code: 2",
		Log:       "/logs/b.log",
		Output:    "poly.c:12: error: boom\n",
	}
	data, err := e.Render()
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "---\n"))
	assert.Contains(t, text, "\n---\n\n# Blocking failure: ml-kem-768__wasm__speed\n")
	assert.Contains(t, text, "poly.c:12: error: boom")

	got, err := ParseErrorReport(data)
	require.NoError(t, err)
	e.Output = ""
	if diff := cmp.Diff(e, got); diff != "" {
		t.Fatalf("front matter round trip (-want +got):\n%s", diff)
	}

	_, err = ParseErrorReport([]byte("# no front matter\n"))
	assert.Error(t, err)
}

func TestErrorReporter_WritesOnlyFirstBlockingFailure(t *testing.T) {
	s := mixedRun(t, false)
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	rep := NewErrorReporter(store, s.cells, nil)

	for _, r := range s.recs {
		if r.Kind == events.KindTransition && cellstate.IsBlocking(r.To) {
			break
		}
		require.NoError(t, rep.Write(r))
	}
	assert.False(t, rep.Written())
	assert.NoFileExists(t, store.Path(ErrorReportFile))

	for _, r := range s.recs {
		require.NoError(t, rep.Write(r))
	}
	require.NoError(t, rep.Close())
	assert.True(t, rep.Written())

	data, err := os.ReadFile(store.Path(ErrorReportFile))
	require.NoError(t, err)
	got, err := ParseErrorReport(data)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "ml-kem-768__wasm__speed", got.Cell, "the build failure was appended before the vector failure")
	assert.Equal(t, "wasm", got.Platform)
	assert.Equal(t, cellstate.PhaseBuild, got.Phase)
	assert.Equal(t, "/logs/b.log", got.Log)
	assert.Contains(t, string(data), "poly.c: error")
}

func TestReplay_FromPersistedLog(t *testing.T) {
	cells := testCells(t)
	dir := t.TempDir()
	logPath := filepath.Join(dir, events.FileName)
	sink, err := events.CreateJSONL(logPath)
	require.NoError(t, err)

	live, err := NewStore(filepath.Join(dir, "live"))
	require.NoError(t, err)
	reporter := NewErrorReporter(live, cells, nil)

	fake := clock.Fake(epoch)
	fake.SetStep(time.Millisecond)
	log := events.NewLog(events.Options{Clock: fake, Sinks: []events.Sink{sink, reporter}})

	// Re-append the scripted run through the real writer lane.
	s := mixedRun(t, false)
	for _, r := range s.recs {
		r.Seq, r.Time = 0, time.Time{}
		_, err := log.Append(r)
		require.NoError(t, err)
	}
	snapshot := log.Snapshot()
	require.NoError(t, log.Close())

	want, err := Build(snapshot, cells, nil)
	require.NoError(t, err)
	require.NoError(t, live.WriteAll(want))

	persisted, err := events.LoadJSONL(logPath)
	require.NoError(t, err)
	replayed, err := NewStore(filepath.Join(dir, "replayed"))
	require.NoError(t, err)
	got, err := Replay(replayed, persisted, cells, nil)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("replayed report differs (-live +replayed):\n%s", diff)
	}

	for _, name := range []string{MarkdownFile, JSONFile, GateFile, ErrorReportFile} {
		a, err := os.ReadFile(live.Path(name))
		require.NoError(t, err, name)
		b, err := os.ReadFile(replayed.Path(name))
		require.NoError(t, err, name)
		assert.Equal(t, string(a), string(b), name)
	}
}

func TestReplay_CleanRunRemovesStaleErrorReport(t *testing.T) {
	cells := testCells(t)
	s := &script{cells: cells}
	s.start("run-4", false)
	for i := range cells {
		s.path(i, events.Record{}, with(toTested, cellstate.TestedPass)...)
	}
	s.finish(false)

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(ErrorReportFile), []byte("stale"), 0o644))

	r, err := Replay(store, s.recs, cells, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Summary.Passed)
	assert.NoFileExists(t, store.Path(ErrorReportFile))
	for _, d := range r.Gates[:3] {
		assert.True(t, d.Satisfied, d.Phase)
	}
}
