package txn

import (
	"context"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/taskvault/internal/cache"
	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/events"
	"github.com/randalmurphal/taskvault/internal/filestore"
)

type fixture struct {
	fault *filestore.FaultFs
	files *filestore.Store
	cache *cache.Cache
	pub   *events.MemoryPublisher
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fault := filestore.NewFaultFs(afero.NewMemMapFs())
	files := filestore.New(fault, filestore.WithRetryPolicy(filestore.RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}))
	c := cache.New()
	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	return &fixture{
		fault: fault,
		files: files,
		cache: c,
		pub:   pub,
		mgr:   NewManager(files, c, WithPublisher(pub)),
	}
}

func (f *fixture) read(t *testing.T, path string) string {
	t.Helper()
	data, err := f.files.Read(context.Background(), path)
	require.NoError(t, err)
	if data == nil {
		return ""
	}
	return string(data)
}

func (f *fixture) cachedRead(t *testing.T, path string) string {
	t.Helper()
	data, err := f.cache.Get(path, func() ([]byte, error) {
		return f.files.Read(context.Background(), path)
	})
	require.NoError(t, err)
	return string(data)
}

func TestCommitAppliesWritesInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.mgr.Begin()
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/a.json", []byte(`{"v":1}`)))
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/b.json", []byte(`{"v":2}`)))
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/a.json", []byte(`{"v":3}`)))

	// Nothing lands before commit.
	assert.Empty(t, f.read(t, "/p/a.json"))

	require.NoError(t, f.mgr.Commit(ctx, tx))
	assert.Equal(t, StatusCommitted, tx.Status())
	assert.JSONEq(t, `{"v":3}`, f.read(t, "/p/a.json"))
	assert.JSONEq(t, `{"v":2}`, f.read(t, "/p/b.json"))
	assert.Equal(t, []string{"/p/a.json", "/p/b.json"}, tx.Targets())
	assert.Equal(t, int64(1), f.mgr.Stats().Committed)
}

func TestCommitFailureRestoresEveryTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A exists, B exists, C is absent before the transaction.
	require.NoError(t, f.files.Write(ctx, "/p/a.json", []byte(`{"a":"old"}`)))
	require.NoError(t, f.files.Write(ctx, "/p/b.json", []byte(`{"b":"old"}`)))

	tx := f.mgr.Begin()
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/a.json", []byte(`{"a":"new"}`)))
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/b.json", []byte(`{"b":"new"}`)))
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/c.json", []byte(`{"c":"new"}`)))

	f.fault.FailWrites("/p/b.json", syscall.EIO)

	err := f.mgr.Commit(ctx, tx)
	require.Error(t, err)
	assert.ErrorIs(t, err, verrors.ErrTransactionFailure)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.Equal(t, verrors.CodeTransactionFailed, verrors.CodeOf(err))
	assert.Equal(t, StatusRolledBack, tx.Status())

	f.fault.Clear()
	assert.JSONEq(t, `{"a":"old"}`, f.read(t, "/p/a.json"))
	assert.JSONEq(t, `{"b":"old"}`, f.read(t, "/p/b.json"))
	assert.Empty(t, f.read(t, "/p/c.json"))
	assert.Zero(t, f.fault.Writes("/p/c.json"), "writes after the failed one must not be attempted")

	stats := f.mgr.Stats()
	assert.Equal(t, int64(1), stats.RolledBack)
	assert.Equal(t, int64(1), stats.Compensated)
}

func TestCommitFailureRemovesCreatedTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.mgr.Begin()
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/new.json", []byte(`{"x":1}`)))
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/fail.json", []byte(`{"x":2}`)))
	f.fault.FailWrites("/p/fail.json", syscall.EIO)

	require.Error(t, f.mgr.Commit(ctx, tx))

	exists, err := f.files.Exists("/p/new.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTransientFailureRetriedWithinCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fault.FailWritesN("/p/a.json", 1, syscall.EBUSY)
	require.NoError(t, f.mgr.Write(ctx, "/p/a.json", []byte(`{"ok":true}`)))
	assert.JSONEq(t, `{"ok":true}`, f.read(t, "/p/a.json"))
	assert.Equal(t, 2, f.fault.Writes("/p/a.json"))
}

func TestTerminalTransactionRejectsFurtherUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.mgr.Begin()
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/a.json", []byte(`{}`)))
	require.NoError(t, f.mgr.Commit(ctx, tx))

	err := f.mgr.Commit(ctx, tx)
	assert.ErrorIs(t, err, verrors.ErrInvalidTransactionState)

	err = f.mgr.StageWrite(ctx, tx, "/p/b.json", []byte(`{}`))
	assert.ErrorIs(t, err, verrors.ErrInvalidTransactionState)

	// Rollback after commit is a no-op.
	f.mgr.Rollback(tx)
	assert.Equal(t, StatusCommitted, tx.Status())
}

func TestRollbackIsIdempotentAndWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.mgr.Begin()
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/a.json", []byte(`{"v":1}`)))

	f.mgr.Rollback(tx)
	f.mgr.Rollback(tx)
	assert.Equal(t, StatusRolledBack, tx.Status())
	assert.Zero(t, tx.Len())
	assert.Empty(t, f.read(t, "/p/a.json"))
	assert.Equal(t, int64(1), f.mgr.Stats().RolledBack)

	err := f.mgr.Commit(ctx, tx)
	assert.ErrorIs(t, err, verrors.ErrInvalidTransactionState)
}

func TestStageRejectsInvalidJSON(t *testing.T) {
	f := newFixture(t)
	tx := f.mgr.Begin()
	err := f.mgr.StageWrite(context.Background(), tx, "/p/a.json", []byte(`{"v":`))
	require.Error(t, err)
	assert.Zero(t, tx.Len())
}

func TestCommitInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.files.Write(ctx, "/p/a.json", []byte(`{"v":1}`)))
	assert.JSONEq(t, `{"v":1}`, f.cachedRead(t, "/p/a.json"))

	require.NoError(t, f.mgr.Write(ctx, "/p/a.json", []byte(`{"v":2}`)))
	assert.JSONEq(t, `{"v":2}`, f.cachedRead(t, "/p/a.json"))
}

func TestFailedCommitLeavesCacheConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.files.Write(ctx, "/p/a.json", []byte(`{"v":1}`)))
	assert.JSONEq(t, `{"v":1}`, f.cachedRead(t, "/p/a.json"))

	tx := f.mgr.Begin()
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/a.json", []byte(`{"v":2}`)))
	require.NoError(t, f.mgr.StageWrite(ctx, tx, "/p/b.json", []byte(`{"v":2}`)))
	f.fault.FailWrites("/p/b.json", syscall.EIO)
	require.Error(t, f.mgr.Commit(ctx, tx))

	assert.JSONEq(t, `{"v":1}`, f.cachedRead(t, "/p/a.json"))
}

func TestCommitPublishesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.pub.Subscribe("proj-1")

	require.NoError(t, f.mgr.Write(ctx, "/p/a.json", []byte(`{}`), WithTopic("proj-1")))

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventTxCommitted, ev.Type)
		data, ok := ev.Data.(events.TxData)
		require.True(t, ok)
		assert.Equal(t, []string{"/p/a.json"}, data.Targets)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestConcurrentTransactionsOnDisjointTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dir := filepath.Join("/p", string(rune('a'+i)))
			tx := f.mgr.Begin()
			if err := f.mgr.StageWrite(ctx, tx, filepath.Join(dir, "x.json"), []byte(`{"x":1}`)); err != nil {
				errs <- err
				return
			}
			if err := f.mgr.StageWrite(ctx, tx, filepath.Join(dir, "y.json"), []byte(`{"y":1}`)); err != nil {
				errs <- err
				return
			}
			errs <- f.mgr.Commit(ctx, tx)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(16), f.mgr.Stats().Committed)
}
