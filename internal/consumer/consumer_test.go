package consumer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/idempotent"
	"github.com/ppiankov/dropwatch/internal/item"
	"github.com/ppiankov/dropwatch/internal/poll"
	"github.com/ppiankov/dropwatch/internal/process"
	"github.com/ppiankov/dropwatch/internal/readlock"
	"github.com/ppiankov/dropwatch/internal/scan"
)

// recorder is a Processor that keeps every message it sees.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
	fail func(msg *Message) error
}

func (r *recorder) Process(_ context.Context, msg *Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, *msg)
	r.mu.Unlock()
	if r.fail != nil {
		return r.fail(msg)
	}
	return nil
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, string(m.Body))
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	return path
}

func newConsumer(t *testing.T, cfg Config, p Processor) *Consumer {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	c, err := New(afero.NewOsFs(), cfg, p)
	require.NoError(t, err)
	return c
}

func pollOnce(t *testing.T, c *Consumer) int {
	t.Helper()
	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	return n
}

func TestConsumeAndDelete(t *testing.T) {
	dir := t.TempDir()
	hello := writeFile(t, dir, "hello.txt", "Hello World")
	rec := &recorder{}
	c := newConsumer(t, Config{Root: dir, Process: process.Options{Delete: true}}, rec)

	assert.Equal(t, 1, pollOnce(t, c))
	assert.Equal(t, []string{"Hello World"}, rec.bodies())
	assert.NoFileExists(t, hello)

	assert.Equal(t, 0, pollOnce(t, c))
	assert.Equal(t, 1, rec.count())
}

func TestMoveFailedOnProcessorError(t *testing.T) {
	dir := t.TempDir()
	bye := writeFile(t, dir, "bye.txt", "Bye World")
	var failures []error
	rec := &recorder{fail: func(*Message) error { return errors.New("cannot handle") }}
	c := newConsumer(t, Config{
		Root:         dir,
		Process:      process.Options{MoveFailed: "error/${name}-error.txt"},
		ErrorHandler: func(_ item.Item, err error) { failures = append(failures, err) },
	}, rec)

	assert.Equal(t, 1, pollOnce(t, c))
	assert.NoFileExists(t, bye)
	data, err := os.ReadFile(filepath.Join(dir, "error", "bye-error.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Bye World", string(data))

	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0], fileerr.ErrProcessing))
}

func TestRollbackLeavesFileForRetry(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "retry.txt", "x")
	attempts := 0
	rec := &recorder{fail: func(*Message) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	}}
	c := newConsumer(t, Config{
		Root:         dir,
		Repo:         idempotent.NewMemory(0),
		Process:      process.Options{Idempotent: true},
		ErrorHandler: func(item.Item, error) {},
	}, rec)

	pollOnce(t, c)
	assert.FileExists(t, path)
	pollOnce(t, c)
	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(dir, ".done", "retry.txt"))
	assert.Equal(t, 2, rec.count())
}

func TestHandledErrorCommits(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "x")
	rec := &recorder{fail: func(msg *Message) error {
		msg.Handled = true
		return errors.New("dead-lettered")
	}}
	c := newConsumer(t, Config{Root: dir, Process: process.Options{Delete: true}}, rec)

	pollOnce(t, c)
	assert.NoFileExists(t, path)
}

func TestDoneFileProtocol(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "data.txt", "payload")
	rec := &recorder{}
	c := newConsumer(t, Config{Root: dir, Process: process.Options{Delete: true, DoneFileName: "${file:name}.done"}}, rec)

	assert.Equal(t, 0, pollOnce(t, c))

	done := writeFile(t, dir, "data.txt.done", "")
	assert.Equal(t, 1, pollOnce(t, c))
	assert.Equal(t, []string{"payload"}, rec.bodies())
	assert.NoFileExists(t, data)
	assert.NoFileExists(t, done)
}

func TestDoneFileKeptWithNoop(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "data.txt", "payload")
	done := writeFile(t, dir, "data.txt.done", "")
	rec := &recorder{}
	c := newConsumer(t, Config{
		Root:    dir,
		Repo:    idempotent.NewMemory(0),
		Process: process.Options{Noop: true, Idempotent: true, DoneFileName: "${file:name}.done"},
	}, rec)

	assert.Equal(t, 1, pollOnce(t, c))
	assert.FileExists(t, data)
	assert.FileExists(t, done)
	assert.Equal(t, 0, pollOnce(t, c))
}

func TestMaxMessagesPerPollBatches(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, dir, n, n)
	}
	rec := &recorder{}
	c := newConsumer(t, Config{
		Root:    dir,
		Scan:    scan.Options{MaxMessagesPerPoll: 2},
		Process: process.Options{Delete: true},
	}, rec)

	assert.Equal(t, 2, pollOnce(t, c))
	assert.Equal(t, 1, pollOnce(t, c))

	require.Len(t, rec.msgs, 3)
	first, second, third := rec.msgs[0], rec.msgs[1], rec.msgs[2]
	assert.Equal(t, 0, first.BatchIndex)
	assert.Equal(t, 2, first.BatchSize)
	assert.False(t, first.BatchComplete)
	assert.Equal(t, 1, second.BatchIndex)
	assert.Equal(t, 2, second.BatchSize)
	assert.True(t, second.BatchComplete)
	assert.Equal(t, 0, third.BatchIndex)
	assert.Equal(t, 1, third.BatchSize)
	assert.True(t, third.BatchComplete)
	assert.Equal(t, "c.txt", third.Item.Name)
}

func TestIdempotentNoRedelivery(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "same")
	rec := &recorder{}
	c := newConsumer(t, Config{
		Root:    dir,
		Repo:    idempotent.NewMemory(0),
		Process: process.Options{Delete: true, Idempotent: true},
	}, rec)

	assert.Equal(t, 1, pollOnce(t, c))
	writeFile(t, dir, "a.txt", "same")
	assert.Equal(t, 0, pollOnce(t, c))
	assert.Equal(t, 1, rec.count())
	assert.FileExists(t, filepath.Join(dir, "a.txt"), "duplicate is left alone")
}

func TestNoopIdempotentReachesFilesBeyondCap(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, dir, n, n[:1])
	}
	sortBy, err := item.ParseSortBy("file:name")
	require.NoError(t, err)
	rec := &recorder{}
	c := newConsumer(t, Config{
		Root:    dir,
		Scan:    scan.Options{MaxMessagesPerPoll: 2, SortBy: sortBy},
		Repo:    idempotent.NewMemory(0),
		Process: process.Options{Noop: true, Idempotent: true},
	}, rec)

	assert.Equal(t, 2, pollOnce(t, c))
	assert.Equal(t, 1, pollOnce(t, c), "processed files must not take batch slots")
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, pollOnce(t, c))
	}

	assert.Equal(t, []string{"a", "b", "c"}, rec.bodies())
	third := rec.msgs[2]
	assert.Equal(t, "c.txt", third.Item.Name)
	assert.Equal(t, 0, third.BatchIndex)
	assert.Equal(t, 1, third.BatchSize)
	assert.True(t, third.BatchComplete)
}

func TestNoopWithoutIdempotenceRedelivers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "x")
	rec := &recorder{}
	c := newConsumer(t, Config{Root: dir, Process: process.Options{Noop: true}}, rec)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, pollOnce(t, c))
	}
	assert.Equal(t, 3, rec.count())
}

func TestChangedLockSkipsUntilStable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "growing.txt", "")
	opts := readlock.DefaultOptions()
	opts.Timeout = 40 * time.Millisecond
	opts.CheckInterval = 5 * time.Millisecond
	lock, err := readlock.New(readlock.KindChanged, afero.NewOsFs(), opts)
	require.NoError(t, err)

	rec := &recorder{}
	c := newConsumer(t, Config{Root: dir, Lock: lock, Process: process.Options{Delete: true}}, rec)

	assert.Equal(t, 0, pollOnce(t, c))
	assert.Equal(t, 0, rec.count())
	assert.FileExists(t, path)
	assert.NoFileExists(t, path+readlock.LockSuffix)

	require.NoError(t, os.WriteFile(path, []byte("finished"), 0640))
	assert.Equal(t, 1, pollOnce(t, c))
	assert.Equal(t, []string{"finished"}, rec.bodies())
}

// recordingStrategy is a poll strategy that records every hook call.
type recordingStrategy struct {
	veto      bool
	keep      bool
	begins    int
	commits   []int
	rollbacks []error
}

func (s *recordingStrategy) Begin(context.Context, *poll.Cycle) (bool, error) {
	s.begins++
	return !s.veto, nil
}

func (s *recordingStrategy) Commit(_ context.Context, _ *poll.Cycle, n int) error {
	s.commits = append(s.commits, n)
	return nil
}

func (s *recordingStrategy) Rollback(_ context.Context, _ *poll.Cycle, _ int, cause error) (bool, error) {
	s.rollbacks = append(s.rollbacks, cause)
	return s.keep, nil
}

func TestPollStrategyVeto(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "x")
	strategy := &recordingStrategy{veto: true, keep: true}
	rec := &recorder{}
	c := newConsumer(t, Config{Root: dir, Strategy: strategy}, rec)

	_, err := c.Poll(context.Background())
	assert.ErrorIs(t, err, fileerr.ErrPollVetoed)
	assert.Equal(t, 0, rec.count())
	require.Len(t, strategy.rollbacks, 1)
	assert.ErrorIs(t, strategy.rollbacks[0], fileerr.ErrPollVetoed)
	assert.Empty(t, strategy.commits)
}

func TestPollStrategyCommitCount(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "x")
	writeFile(t, dir, "b.txt", "x")
	strategy := &recordingStrategy{keep: true}
	c := newConsumer(t, Config{Root: dir, Strategy: strategy, Process: process.Options{Delete: true}}, &recorder{})

	pollOnce(t, c)
	assert.Equal(t, []int{2}, strategy.commits)
}

func TestScanErrorRollsBackAndSuspends(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	strategy := &recordingStrategy{keep: false}
	c := newConsumer(t, Config{
		Root:     missing,
		Scan:     scan.Options{DirectoryMustExist: true},
		Strategy: strategy,
	}, &recorder{})

	_, err := c.Poll(context.Background())
	assert.ErrorIs(t, err, poll.ErrSuspend)
	assert.ErrorIs(t, err, fileerr.ErrScan)
	require.Len(t, strategy.rollbacks, 1)
}

func TestBridgeErrorHandler(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.txt", "")
	opts := readlock.DefaultOptions()
	opts.Timeout = 20 * time.Millisecond
	opts.CheckInterval = 5 * time.Millisecond
	opts.MarkerFile = false
	lock, err := readlock.New(readlock.KindChanged, afero.NewOsFs(), opts)
	require.NoError(t, err)

	strategy := &recordingStrategy{keep: true}
	c := newConsumer(t, Config{Root: dir, Lock: lock, Strategy: strategy, BridgeErrorHandler: true}, &recorder{})

	_, err = c.Poll(context.Background())
	assert.ErrorIs(t, err, fileerr.ErrAcquisition)
	require.Len(t, strategy.rollbacks, 1)
	assert.ErrorIs(t, strategy.rollbacks[0], readlock.ErrNotStable)
}

func TestParallelWorkersDeliverEachFileOnce(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 8; i++ {
		writeFile(t, dir, string(rune('a'+i))+".txt", "x")
	}
	rec := &recorder{}
	c := newConsumer(t, Config{
		Root:    dir,
		Workers: 3,
		Lock:    readlock.NewMarker(afero.NewOsFs(), readlock.DefaultOptions()),
		Process: process.Options{Delete: true},
	}, rec)

	assert.Equal(t, 8, pollOnce(t, c))
	assert.Equal(t, 8, rec.count())
	seen := map[string]bool{}
	for _, m := range rec.msgs {
		assert.False(t, seen[m.Item.Name], "delivered twice: %s", m.Item.Name)
		seen[m.Item.Name] = true
	}
}

func TestCharsetDecoding(t *testing.T) {
	dir := t.TempDir()
	// "café" in ISO-8859-1.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latin.txt"), []byte{'c', 'a', 'f', 0xe9}, 0640))
	rec := &recorder{}
	c := newConsumer(t, Config{Root: dir, Charset: "iso-8859-1", Process: process.Options{Delete: true}}, rec)

	pollOnce(t, c)
	assert.Equal(t, []string{"café"}, rec.bodies())
}

func TestUnknownCharsetIsConfigurationError(t *testing.T) {
	_, err := New(afero.NewOsFs(), Config{Root: t.TempDir(), Charset: "klingon"}, &recorder{})
	assert.ErrorIs(t, err, fileerr.ErrConfiguration)
}

func TestStartPollsUntilStopped(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	rec := &recorder{}
	c := newConsumer(t, Config{
		Root:       dir,
		AutoCreate: true,
		Scheduler:  poll.SchedulerOptions{Delay: 5 * time.Millisecond},
		Process:    process.Options{Delete: true},
	}, rec)

	require.NoError(t, c.Start(context.Background()))
	assert.DirExists(t, dir)
	writeFile(t, dir, "late.txt", "arrived")
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	assert.False(t, c.Running())
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Running())
	c.Stop()
}

func TestStartingDirectoryMustExist(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	c := newConsumer(t, Config{Root: missing, StartingDirectoryMustExist: true}, &recorder{})
	assert.Error(t, c.Start(context.Background()))
	assert.False(t, c.Running())
}

func TestStartRemovesOrphanMarkers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "x")
	writeFile(t, dir, "a.txt.lock", "0:crashed")
	rec := &recorder{}
	c := newConsumer(t, Config{
		Root:      dir,
		Lock:      readlock.NewMarker(afero.NewOsFs(), readlock.DefaultOptions()),
		Scheduler: poll.SchedulerOptions{Delay: time.Hour, InitialDelay: time.Hour},
		Process:   process.Options{Delete: true},
	}, rec)

	require.NoError(t, c.Start(context.Background()))
	c.Stop()
	assert.NoFileExists(t, filepath.Join(dir, "a.txt.lock"))
	assert.Equal(t, 1, pollOnce(t, c))
}
