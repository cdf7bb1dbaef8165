package docmap

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/docpipe/internal/storage/corpus"
	"github.com/ChuLiYu/docpipe/internal/worker"
	"github.com/ChuLiYu/docpipe/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeInput 建立 n 份文字文件的輸入語料
func writeInput(t *testing.T, dir string, n, size int) []types.DocKey {
	t.Helper()
	g, err := corpus.NewGrouper(size, n, "")
	require.NoError(t, err)
	var keys []types.DocKey
	require.NoError(t, corpus.WithWriter(dir, corpus.WriterOptions{ArchiveSize: size}, func(w *corpus.Writer) error {
		for i := 0; i < n; i++ {
			key := types.DocKey{Archive: g.NextDocument(), Doc: fmt.Sprintf("doc-%03d", i)}
			if err := w.Add(key.Archive, key.Doc, types.TextDocument(fmt.Sprintf("document number %d", i))); err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	}))
	return keys
}

func readEntries(t *testing.T, dir string) []corpus.Entry {
	t.Helper()
	it, err := corpus.Open(dir).Iterate(context.Background(), corpus.IterateOptions{})
	require.NoError(t, err)
	defer it.Stop()
	var out []corpus.Entry
	for {
		e, err := it.Next(context.Background())
		if errors.Is(err, corpus.ErrIteratorDone) {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func entryKeys(entries []corpus.Entry) []types.DocKey {
	keys := make([]types.DocKey, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// dirFiles reads every file of a corpus directory for byte comparison
func dirFiles(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	files := make(map[string]string)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		files[e.Name()] = string(data)
	}
	return files
}

// upperAndLen 產生兩個輸出：大寫文字與字元數
func upperAndLen(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
	text, err := inputs[0].Text()
	if err != nil {
		return nil, err
	}
	return []types.Document{
		types.TextDocument(strings.ToUpper(text)),
		types.TextDocument(fmt.Sprint(len(text))),
	}, nil
}

func jittered(fn worker.ProcessFunc) worker.ProcessFunc {
	return func(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
		time.Sleep(time.Duration(rand.Intn(300)) * time.Microsecond)
		return fn(ctx, key, inputs)
	}
}

func failOn(doc string, fn worker.ProcessFunc) worker.ProcessFunc {
	return func(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
		if key.Doc == doc {
			return nil, errors.New("transform exploded")
		}
		return fn(ctx, key, inputs)
	}
}

type harness struct {
	t       *testing.T
	input   string
	outDirs []string

	mu          sync.Mutex
	checkpoints []types.Checkpoint
}

func newHarness(t *testing.T, n, size int) (*harness, []types.DocKey) {
	root := t.TempDir()
	h := &harness{
		t:       t,
		input:   filepath.Join(root, "input"),
		outDirs: []string{filepath.Join(root, "upper"), filepath.Join(root, "length")},
	}
	return h, writeInput(t, h.input, n, size)
}

// run opens the output writers, runs the map and closes the writers
func (h *harness) run(ctx context.Context, cfg Config, appendMode bool) (Stats, error) {
	var writers []*corpus.Writer
	for _, dir := range h.outDirs {
		w, err := corpus.NewWriter(dir, corpus.WriterOptions{Append: appendMode})
		require.NoError(h.t, err)
		writers = append(writers, w)
	}
	cfg.Inputs = []corpus.Reader{corpus.Open(h.input)}
	cfg.Outputs = make([]Writer, len(writers))
	for i, w := range writers {
		cfg.Outputs[i] = w
	}
	if cfg.Module == "" {
		cfg.Module = "mapper"
	}
	cfg.Checkpoint = func(cp types.Checkpoint) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.checkpoints = append(h.checkpoints, cp)
		return nil
	}

	stats, err := Run(ctx, cfg)
	for _, w := range writers {
		require.NoError(h.t, w.Close())
	}
	return stats, err
}

func (h *harness) lastCheckpoint() types.Checkpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.checkpoints) == 0 {
		return types.Checkpoint{}
	}
	return h.checkpoints[len(h.checkpoints)-1]
}

// ============================================================================
// Ordering
// ============================================================================

func TestOutputOrderMatchesInputOrder(t *testing.T) {
	for _, p := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("P=%d", p), func(t *testing.T) {
			h, keys := newHarness(t, 150, 20)
			stats, err := h.run(context.Background(), Config{
				Processes: p,
				Setup:     worker.Stateless(jittered(upperAndLen)),
			}, false)
			require.NoError(t, err)
			assert.Equal(t, 150, stats.Processed)
			assert.Equal(t, 0, stats.Invalid)
			assert.Equal(t, types.Checkpoint{DocsCompleted: 150, LastDoc: keys[149]}, stats.Checkpoint)

			for _, dir := range h.outDirs {
				if diff := cmp.Diff(keys, entryKeys(readEntries(t, dir))); diff != "" {
					t.Errorf("output keys differ from input (-want +got):\n%s", diff)
				}
			}
			text, err := readEntries(t, h.outDirs[0])[7].Doc.Text()
			require.NoError(t, err)
			assert.Equal(t, "DOCUMENT NUMBER 7", text)
		})
	}
}

func TestParallelMatchesSerialByteForByte(t *testing.T) {
	serial, _ := newHarness(t, 90, 16)
	_, err := serial.run(context.Background(), Config{Processes: 1, Setup: worker.Stateless(upperAndLen)}, false)
	require.NoError(t, err)

	parallel, _ := newHarness(t, 90, 16)
	_, err = parallel.run(context.Background(), Config{Processes: 6, Setup: worker.Stateless(jittered(upperAndLen))}, false)
	require.NoError(t, err)

	for i := range serial.outDirs {
		assert.Equal(t, dirFiles(t, serial.outDirs[i]), dirFiles(t, parallel.outDirs[i]))
	}
}

func TestCheckpointsAdvanceMonotonically(t *testing.T) {
	h, keys := newHarness(t, 60, 10)
	_, err := h.run(context.Background(), Config{Processes: 4, Setup: worker.Stateless(jittered(upperAndLen))}, false)
	require.NoError(t, err)

	require.NotEmpty(t, h.checkpoints)
	prev := 0
	index := make(map[types.DocKey]int)
	for i, k := range keys {
		index[k] = i
	}
	for _, cp := range h.checkpoints {
		assert.Greater(t, cp.DocsCompleted, prev)
		assert.Equal(t, cp.DocsCompleted-1, index[cp.LastDoc], "checkpoint key matches its count")
		prev = cp.DocsCompleted
	}
}

// ============================================================================
// Error policies
// ============================================================================

func TestContainPolicyMarksOnlyFailingDocument(t *testing.T) {
	for _, p := range []int{1, 4} {
		t.Run(fmt.Sprintf("P=%d", p), func(t *testing.T) {
			h, keys := newHarness(t, 40, 8)
			stats, err := h.run(context.Background(), Config{
				Module:    "upper",
				Processes: p,
				Policy:    PolicyContain,
				Setup:     worker.Stateless(jittered(failOn("doc-017", upperAndLen))),
			}, false)
			require.NoError(t, err)
			assert.Equal(t, 40, stats.Processed)
			assert.Equal(t, 1, stats.Invalid)

			for _, dir := range h.outDirs {
				entries := readEntries(t, dir)
				require.Len(t, entries, 40)
				for i, e := range entries {
					assert.Equal(t, keys[i], e.Key)
					if i == 17 {
						require.True(t, e.Doc.IsInvalid())
						assert.Equal(t, "upper", e.Doc.Invalid.ModuleName)
						assert.Contains(t, e.Doc.Invalid.ErrorInfo, "transform exploded")
					} else {
						assert.False(t, e.Doc.IsInvalid(), "doc %d", i)
					}
				}
			}
		})
	}
}

func TestContainPolicyCatchesPanics(t *testing.T) {
	h, _ := newHarness(t, 12, 4)
	panicky := func(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
		if key.Doc == "doc-005" {
			panic("index out of range")
		}
		return upperAndLen(ctx, key, inputs)
	}
	stats, err := h.run(context.Background(), Config{Processes: 3, Setup: worker.Stateless(panicky)}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Invalid)

	entries := readEntries(t, h.outDirs[1])
	require.True(t, entries[5].Doc.IsInvalid())
	assert.Contains(t, entries[5].Doc.Invalid.ErrorInfo, "index out of range")
}

func TestContainedPanicIsIdenticalAcrossWorkerCounts(t *testing.T) {
	panicky := func(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
		if key.Doc == "doc-005" {
			panic("boom")
		}
		return upperAndLen(ctx, key, inputs)
	}

	serial, _ := newHarness(t, 30, 8)
	_, err := serial.run(context.Background(), Config{Module: "upper", Processes: 1, Setup: worker.Stateless(panicky)}, false)
	require.NoError(t, err)

	parallel, _ := newHarness(t, 30, 8)
	_, err = parallel.run(context.Background(), Config{Module: "upper", Processes: 3, Setup: worker.Stateless(jittered(panicky))}, false)
	require.NoError(t, err)

	for i := range serial.outDirs {
		if diff := cmp.Diff(dirFiles(t, serial.outDirs[i]), dirFiles(t, parallel.outDirs[i])); diff != "" {
			t.Errorf("output %d differs between P=1 and P=3 (-serial +parallel):\n%s", i, diff)
		}
	}
	entries := readEntries(t, serial.outDirs[0])
	require.True(t, entries[5].Doc.IsInvalid())
	assert.Equal(t, "panic: boom", entries[5].Doc.Invalid.ErrorInfo)
}

func TestPropagatePolicyStopsBeforeFailingDocument(t *testing.T) {
	for _, p := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("P=%d", p), func(t *testing.T) {
			h, keys := newHarness(t, 50, 10)
			stats, err := h.run(context.Background(), Config{
				Module:    "upper",
				Processes: p,
				Policy:    PolicyPropagate,
				Setup:     worker.Stateless(jittered(failOn("doc-023", upperAndLen))),
			}, false)

			var docErr *DocumentError
			require.ErrorAs(t, err, &docErr)
			assert.Equal(t, keys[23], docErr.Key)
			assert.Equal(t, "upper", docErr.Module)

			want := types.Checkpoint{DocsCompleted: 23, LastDoc: keys[22]}
			assert.Equal(t, want, stats.Checkpoint)
			assert.Equal(t, want, h.lastCheckpoint())
			for _, dir := range h.outDirs {
				assert.Equal(t, keys[:23], entryKeys(readEntries(t, dir)))
			}
		})
	}
}

func TestArityMismatchIsFatal(t *testing.T) {
	h, _ := newHarness(t, 10, 5)
	oneOutput := func(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
		return inputs, nil
	}
	_, err := h.run(context.Background(), Config{
		Processes: 2,
		Policy:    PolicyContain,
		Setup:     worker.Stateless(oneOutput),
	}, false)
	assert.ErrorIs(t, err, ErrArity)
}

func TestInvalidResultIsBroadcast(t *testing.T) {
	h, _ := newHarness(t, 6, 3)
	rejecting := func(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
		if key.Doc == "doc-002" {
			return []types.Document{types.Invalid("mapper", "empty document")}, nil
		}
		return upperAndLen(ctx, key, inputs)
	}
	stats, err := h.run(context.Background(), Config{Processes: 2, Setup: worker.Stateless(rejecting)}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Invalid)
	for _, dir := range h.outDirs {
		entries := readEntries(t, dir)
		assert.True(t, entries[2].Doc.IsInvalid())
		assert.Equal(t, "empty document", entries[2].Doc.Invalid.ErrorInfo)
	}
}

func TestInvalidInputPassesThrough(t *testing.T) {
	root := t.TempDir()
	input := filepath.Join(root, "input")
	require.NoError(t, corpus.WithWriter(input, corpus.WriterOptions{}, func(w *corpus.Writer) error {
		for i := 0; i < 5; i++ {
			d := types.TextDocument(fmt.Sprintf("text %d", i))
			if i == 3 {
				d = types.Invalid("upstream", "could not parse")
			}
			if err := w.Add("a", fmt.Sprintf("doc-%03d", i), d); err != nil {
				return err
			}
		}
		return nil
	}))

	var calls atomic.Int32
	counting := func(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
		calls.Add(1)
		return upperAndLen(ctx, key, inputs)
	}

	h := &harness{t: t, input: input, outDirs: []string{filepath.Join(root, "o1"), filepath.Join(root, "o2")}}
	stats, err := h.run(context.Background(), Config{Processes: 2, Setup: worker.Stateless(counting)}, false)
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 1, stats.Invalid)

	entries := readEntries(t, h.outDirs[0])
	require.True(t, entries[3].Doc.IsInvalid())
	assert.Equal(t, "upstream", entries[3].Doc.Invalid.ModuleName)
}

// ============================================================================
// Resume
// ============================================================================

func TestResumeIsByteIdenticalToUninterruptedRun(t *testing.T) {
	full, _ := newHarness(t, 70, 12)
	_, err := full.run(context.Background(), Config{Processes: 3, Setup: worker.Stateless(upperAndLen)}, false)
	require.NoError(t, err)

	crashed, keys := newHarness(t, 70, 12)
	_, err = crashed.run(context.Background(), Config{
		Processes: 3,
		Policy:    PolicyPropagate,
		Setup:     worker.Stateless(failOn("doc-041", upperAndLen)),
	}, false)
	require.Error(t, err)
	cp := crashed.lastCheckpoint()
	require.Equal(t, 41, cp.DocsCompleted)
	require.Equal(t, keys[40], cp.LastDoc)

	stats, err := crashed.run(context.Background(), Config{
		Processes: 4,
		Setup:     worker.Stateless(jittered(upperAndLen)),
		Resume:    &cp,
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 29, stats.Processed)
	assert.Equal(t, types.Checkpoint{DocsCompleted: 70, LastDoc: keys[69]}, stats.Checkpoint)

	for i := range full.outDirs {
		assert.Equal(t, dirFiles(t, full.outDirs[i]), dirFiles(t, crashed.outDirs[i]))
	}
}

// ============================================================================
// Worker lifecycle and cancellation
// ============================================================================

type trackedProcessor struct {
	torn *atomic.Int32
}

func (p *trackedProcessor) Process(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
	return upperAndLen(ctx, key, inputs)
}

func (p *trackedProcessor) Close() error {
	p.torn.Add(1)
	return nil
}

func TestTeardownRunsForEveryWorker(t *testing.T) {
	for _, p := range []int{1, 4} {
		t.Run(fmt.Sprintf("P=%d", p), func(t *testing.T) {
			var setups, torn atomic.Int32
			setup := func(id int) (worker.Processor, error) {
				setups.Add(1)
				return &trackedProcessor{torn: &torn}, nil
			}
			h, _ := newHarness(t, 20, 5)
			_, err := h.run(context.Background(), Config{Processes: p, Setup: setup}, false)
			require.NoError(t, err)
			assert.Equal(t, int32(p), setups.Load())
			assert.Equal(t, int32(p), torn.Load())
		})
	}
}

func TestTeardownRunsOnFailure(t *testing.T) {
	var torn atomic.Int32
	setup := func(id int) (worker.Processor, error) {
		return worker.ProcessFunc(failOn("doc-003", upperAndLen)), nil
	}
	tracked := func(id int) (worker.Processor, error) {
		proc, _ := setup(id)
		return &failingTracked{inner: proc, torn: &torn}, nil
	}
	h, _ := newHarness(t, 20, 5)
	_, err := h.run(context.Background(), Config{Processes: 3, Policy: PolicyPropagate, Setup: tracked}, false)
	require.Error(t, err)
	assert.Equal(t, int32(3), torn.Load())
}

type failingTracked struct {
	inner worker.Processor
	torn  *atomic.Int32
}

func (p *failingTracked) Process(ctx context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
	return p.inner.Process(ctx, key, inputs)
}

func (p *failingTracked) Close() error {
	p.torn.Add(1)
	return nil
}

func TestCancellationFlushesCompletedPrefix(t *testing.T) {
	for _, p := range []int{1, 3} {
		t.Run(fmt.Sprintf("P=%d", p), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			cancelling := func(c context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
				if key.Doc == "doc-010" {
					cancel()
				}
				return upperAndLen(c, key, inputs)
			}

			h, keys := newHarness(t, 40, 10)
			stats, err := h.run(ctx, Config{Processes: p, Setup: worker.Stateless(cancelling)}, false)
			require.ErrorIs(t, err, context.Canceled)

			written := entryKeys(readEntries(t, h.outDirs[0]))
			assert.Less(t, len(written), 40)
			assert.Equal(t, keys[:len(written)], written, "a prefix of the input is written")
			assert.Equal(t, len(written), stats.Checkpoint.DocsCompleted)
		})
	}
}

func TestInterruptNeverPersistsInvalidDocument(t *testing.T) {
	cases := map[string]func(c context.Context, cancel context.CancelFunc) error{
		// 轉換看得到的 context 不會被中斷取消
		"transform context stays live": func(c context.Context, cancel context.CancelFunc) error {
			cancel()
			return c.Err()
		},
		// 外部工具在中斷時被殺掉
		"failure after interrupt": func(c context.Context, cancel context.CancelFunc) error {
			cancel()
			return errors.New("tool killed by signal")
		},
	}
	for name, onDoc10 := range cases {
		for _, p := range []int{1, 3} {
			t.Run(fmt.Sprintf("%s/P=%d", name, p), func(t *testing.T) {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				fn := func(c context.Context, key types.DocKey, inputs []types.Document) ([]types.Document, error) {
					if key.Doc == "doc-010" {
						if err := onDoc10(c, cancel); err != nil {
							return nil, err
						}
					}
					return upperAndLen(c, key, inputs)
				}

				h, keys := newHarness(t, 40, 10)
				stats, err := h.run(ctx, Config{Processes: p, Policy: PolicyContain, Setup: worker.Stateless(fn)}, false)
				require.ErrorIs(t, err, context.Canceled)
				assert.Zero(t, stats.Invalid)

				entries := readEntries(t, h.outDirs[0])
				for _, e := range entries {
					assert.False(t, e.Doc.IsInvalid(), "%s written as invalid", e.Key)
				}
				written := entryKeys(entries)
				assert.Equal(t, keys[:len(written)], written)
				assert.Equal(t, len(written), stats.Checkpoint.DocsCompleted)
			})
		}
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyContain, p)

	p, err = ParsePolicy("propagate")
	require.NoError(t, err)
	assert.Equal(t, PolicyPropagate, p)

	_, err = ParsePolicy("ignore")
	assert.Error(t, err)
}
