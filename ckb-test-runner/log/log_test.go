package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	blockLine   = "2021-09-01 12:00:00.181 +00:00 ChainService INFO ckb_chain::chain  block: 1001, hash: 0x5b2c, epoch: 3(1/10), txs: 1"
	invalidLine = "2021-09-01 12:00:01.002 +00:00 ChainService ERROR ckb_chain::chain  block verify error, block number: 1002, error: BlockIsInvalid(401)"
	panicLine   = "2021-09-01 12:00:02.000 +00:00 main ERROR panic  thread 'main' panicked at 'oops', src/main.rs:1:1"
)

func newHandlers(t *testing.T, facs ...WatcherHandlerFactory) []WatcherHandler {
	var handlers []WatcherHandler
	for _, fac := range facs {
		h, err := fac.New()
		require.NoError(t, err)
		handlers = append(handlers, h)
	}
	return handlers
}

func TestParseEntry(t *testing.T) {
	require := require.New(t)

	e := ParseEntry(blockLine)
	require.True(e.Structured())
	require.Equal("ChainService", e.Thread)
	require.Equal("INFO", e.Level)
	require.Equal("ckb_chain::chain", e.Target)
	require.Equal("block: 1001, hash: 0x5b2c, epoch: 3(1/10), txs: 1", e.Message)
	require.Equal(time.Date(2021, 9, 1, 12, 0, 0, 181_000_000, time.UTC), e.Time.UTC())

	e = ParseEntry("   0: std::backtrace_rs::backtrace::libunwind::trace")
	require.False(e.Structured())
	require.Equal("   0: std::backtrace_rs::backtrace::libunwind::trace", e.Raw)
}

func TestHandlers(t *testing.T) {
	require := require.New(t)

	hs := newHandlers(t, AssertNoPanics(), AssertNoInvalidBlocks())
	noPanics, noInvalid := hs[0], hs[1]

	require.NoError(noPanics.Entry(ParseEntry(blockLine)))
	require.NoError(noPanics.Entry(ParseEntry(invalidLine)))
	require.Error(noPanics.Entry(ParseEntry(panicLine)))
	require.Error(noPanics.Entry(ParseEntry("thread 'ChainService' panicked at 'boom', chain/src/chain.rs:10:5")))
	require.NoError(noPanics.Finish())

	require.NoError(noInvalid.Entry(ParseEntry(blockLine)))
	require.NoError(noInvalid.Entry(ParseEntry(
		"2021-09-01 12:00:01.002 +00:00 ChainService INFO ckb_sync::synchronizer  peer sent BlockIsInvalid header",
	)), "only errors count")
	err := noInvalid.Entry(ParseEntry(invalidLine))
	require.Error(err)
	require.Contains(err.Error(), "node rejected a block")

	_, err = AssertNotLogged("", `(`, "bad").New()
	require.Error(err)
}

func TestWatcher(t *testing.T) {
	require := require.New(t)

	fn := filepath.Join(t.TempDir(), "run.log")
	w, err := NewWatcher(&WatcherConfig{
		Name:     "node2021",
		File:     fn,
		Handlers: newHandlers(t, AssertNoPanics()),
	})
	require.NoError(err)
	require.Equal("node2021", w.Name())

	require.NoError(os.WriteFile(fn, []byte(blockLine+"\n"+panicLine+"\n"), 0o600))
	time.Sleep(time.Second)
	w.Cleanup()

	select {
	case err = <-w.Errors():
		require.Error(err)
		require.Contains(err.Error(), "node panicked")
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not finish")
	}
}
