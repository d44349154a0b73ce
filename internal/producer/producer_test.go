package producer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/item"
	"github.com/ppiankov/dropwatch/internal/scan"
)

func newProducer(t *testing.T, fs afero.Fs, opts Options) *Producer {
	t.Helper()
	p, err := New(fs, "/out", opts)
	require.NoError(t, err)
	return p
}

func read(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(data)
}

func TestOverrideRoundTripThroughScanner(t *testing.T) {
	fs := afero.NewMemMapFs()
	opts := DefaultOptions()
	opts.TempPrefix = ".tmp-"
	p := newProducer(t, fs, opts)
	payload := []byte("line one\nline two\x00binary")

	_, err := p.Write(context.Background(), "report.txt", []byte("stale"))
	require.NoError(t, err)
	res, err := p.Write(context.Background(), "report.txt", payload)
	require.NoError(t, err)
	assert.Equal(t, "/out/report.txt", res.Path)
	assert.Equal(t, int64(len(payload)), res.Bytes)

	s, err := scan.New(fs, "/out", scan.Options{})
	require.NoError(t, err)
	items, _, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1, "temp file must not survive")
	data, err := afero.ReadFile(fs, items[0].Path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestAppendConcatenatesInOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProducer(t, fs, Options{FileExist: Append, AutoCreate: true})
	for i := 0; i < 3; i++ {
		_, err := p.Write(context.Background(), "log.txt", []byte(fmt.Sprintf("%d;", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, "0;1;2;", read(t, fs, "/out/log.txt"))
}

func TestFailAndIgnorePolicies(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/a.txt", []byte("original"), 0640))

	fail := newProducer(t, fs, Options{FileExist: Fail})
	_, err := fail.Write(context.Background(), "a.txt", []byte("new"))
	assert.True(t, errors.Is(err, ErrTargetExists))

	ignore := newProducer(t, fs, Options{FileExist: Ignore, DoneFileName: "${file:name}.done"})
	res, err := ignore.Write(context.Background(), "a.txt", []byte("new"))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "original", read(t, fs, "/out/a.txt"))
	ok, _ := afero.Exists(fs, "/out/a.txt.done")
	assert.False(t, ok, "no done-file for an ignored write")
}

func TestMovePolicyKeepsPrevious(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/a.txt", []byte("v1"), 0640))
	p := newProducer(t, fs, Options{
		FileExist:    Move,
		MoveExisting: "archive/${file:name}.${date:now:%Y%m%d}",
		Now:          func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) },
	})

	_, err := p.Write(context.Background(), "a.txt", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", read(t, fs, "/out/a.txt"))
	assert.Equal(t, "v1", read(t, fs, "/out/archive/a.txt.20240501"))
}

func TestConfigurationConflicts(t *testing.T) {
	for name, opts := range map[string]Options{
		"append with temp prefix":    {FileExist: Append, TempPrefix: "tmp-"},
		"append with temp file name": {FileExist: Append, TempFileName: "${file:name}.part"},
		"both temp options":          {TempPrefix: "tmp-", TempFileName: "x"},
		"move without target":        {FileExist: Move},
		"unknown policy":             {FileExist: "Sometimes"},
		"bad charset":                {Charset: "klingon"},
		"bad done file":              {DoneFileName: "sub/${file:name}.done"},
	} {
		_, err := New(afero.NewMemMapFs(), "/out", opts)
		assert.True(t, errors.Is(err, fileerr.ErrConfiguration), name)
	}
}

func TestParseFileExistIsCaseInsensitive(t *testing.T) {
	got, err := ParseFileExist("append")
	require.NoError(t, err)
	assert.Equal(t, Append, got)

	got, err = ParseFileExist("")
	require.NoError(t, err)
	assert.Equal(t, Override, got)
}

func TestTempFileNameExpression(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProducer(t, fs, Options{TempFileName: "../staging/${file:name}.part", AutoCreate: true})

	require.NoError(t, fs.MkdirAll("/staging", 0750))
	_, err := p.Write(context.Background(), "data.csv", []byte("a,b"))
	require.NoError(t, err)
	assert.Equal(t, "a,b", read(t, fs, "/out/data.csv"))
	ok, _ := afero.Exists(fs, "/staging/data.csv.part")
	assert.False(t, ok)
}

func TestWithoutTempNameWritesInPlace(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProducer(t, fs, DefaultOptions())
	_, err := p.Write(context.Background(), "report.txt", []byte("body"))
	require.NoError(t, err)

	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report.txt", entries[0].Name())
	assert.Equal(t, "body", read(t, fs, "/out/report.txt"))
}

func TestStaleTempFileIsReplaced(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/.inflight-x.txt", []byte("garbage from a crash"), 0640))
	p := newProducer(t, fs, Options{TempPrefix: ".inflight-"})

	_, err := p.Write(context.Background(), "x.txt", []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", read(t, fs, "/out/x.txt"))
	ok, _ := afero.Exists(fs, "/out/.inflight-x.txt")
	assert.False(t, ok)
}

func TestDoneFileWrittenAfterPayload(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProducer(t, fs, Options{TempPrefix: "tmp-", DoneFileName: "${file:name.noext}.ready", AutoCreate: true})

	res, err := p.Write(context.Background(), "batch.xml", []byte("<a/>"))
	require.NoError(t, err)
	assert.Equal(t, "/out/batch.ready", res.DonePath)
	ok, _ := afero.Exists(fs, "/out/batch.ready")
	assert.True(t, ok)
	assert.Equal(t, "<a/>", read(t, fs, "/out/batch.xml"))
}

func TestNullBody(t *testing.T) {
	fs := afero.NewMemMapFs()

	strict := newProducer(t, fs, Options{})
	_, err := strict.Write(context.Background(), "n.txt", nil)
	assert.True(t, errors.Is(err, ErrNullBody))

	require.NoError(t, afero.WriteFile(fs, "/out/n.txt", []byte("keep"), 0640))
	appender := newProducer(t, fs, Options{FileExist: Append, AllowNullBody: true})
	res, err := appender.Write(context.Background(), "n.txt", nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "keep", read(t, fs, "/out/n.txt"))

	overrider := newProducer(t, fs, Options{AllowNullBody: true})
	_, err = overrider.Write(context.Background(), "n.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "", read(t, fs, "/out/n.txt"))
}

func TestAutoCreate(t *testing.T) {
	fs := afero.NewMemMapFs()
	off := newProducer(t, fs, Options{})
	_, err := off.Write(context.Background(), "sub/a.txt", []byte("x"))
	assert.Error(t, err)

	on := newProducer(t, fs, Options{AutoCreate: true})
	_, err = on.Write(context.Background(), "sub/a.txt", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", read(t, fs, "/out/sub/a.txt"))
}

func TestNameMustStayInsideDirectory(t *testing.T) {
	p := newProducer(t, afero.NewMemMapFs(), Options{AutoCreate: true})
	_, err := p.Write(context.Background(), "../etc/passwd", []byte("x"))
	assert.Error(t, err)
	_, err = p.Write(context.Background(), " ", []byte("x"))
	assert.Error(t, err)
}

func TestCharsetEncoding(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProducer(t, fs, Options{Charset: "iso-8859-1", AutoCreate: true})
	_, err := p.Write(context.Background(), "latin.txt", []byte("café"))
	require.NoError(t, err)
	data, err := afero.ReadFile(fs, "/out/latin.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte{'c', 'a', 'f', 0xe9}, data)
}

func TestWriteForUsesSourceItem(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProducer(t, fs, Options{FileName: "${file:name.noext}.copy", AutoCreate: true})
	src := item.Item{Root: "/in", Path: "/in/sub/order.json", RelativePath: filepath.Join("sub", "order.json"), Name: "order.json"}

	res, err := p.WriteFor(context.Background(), src, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "/out/sub/order.copy", res.Path)
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newProducer(t, fs, Options{FileExist: Append, AutoCreate: true})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Write(context.Background(), "shared.txt", []byte("0123456789"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, read(t, fs, "/out/shared.txt"), 200)
	assert.Empty(t, p.locks, "target locks are released")
}
