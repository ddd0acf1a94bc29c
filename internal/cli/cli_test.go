package cli

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/taskvault/internal/allocator"
	"github.com/randalmurphal/taskvault/internal/boundary"
	"github.com/randalmurphal/taskvault/internal/cache"
	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/lock"
	"github.com/randalmurphal/taskvault/internal/queue"
	"github.com/randalmurphal/taskvault/internal/store"
	"github.com/randalmurphal/taskvault/internal/tasktree"
	"github.com/randalmurphal/taskvault/internal/txn"
)

func TestRenderStatusGolden(t *testing.T) {
	st := store.Status{
		DataDir: "/data",
		Lock: &lock.Lock{
			Owner:    "alice@host",
			PID:      42,
			Acquired: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Queue: queue.Metrics{
			Size:              1,
			InFlight:          1,
			Processed:         10,
			Failed:            1,
			Retried:           2,
			Timeouts:          1,
			AvgProcessingTime: 150 * time.Millisecond,
			Efficiency:        87.5,
		},
		Pending: []queue.Info{{ID: "task-1", Type: "archive", Priority: 5, MaxRetries: 3}},
		Boundaries: []boundary.Status{
			{Name: "documents.read", State: boundary.StateClosed, Successes: 12},
			{Name: "task:archive", State: boundary.StateOpen, Errors: 5, Successes: 1, Rejected: 2, HighImpact: true},
		},
		Allocator: allocator.Status{
			Strategy:           allocator.StrategyBalanced,
			Efficiency:         72,
			ActiveReservations: 1,
			Pools: []allocator.PoolStatus{
				{Name: "cpu", Allocated: 2, Available: 8, Utilization: 0.25},
				{Name: "memory", Allocated: 4, Available: 16, Utilization: 0.25},
			},
		},
		Cache:        cache.Stats{Entries: 3, Capacity: 1024, Hits: 10, Misses: 3},
		Transactions: txn.Stats{Begun: 6, Committed: 4, RolledBack: 1, Compensated: 1},
	}

	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, st))

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "status", buf.Bytes())
}

func run(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandsEndToEnd(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "", "init", "Demo", "--goal", "try it")
	require.NoError(t, err)
	assert.Contains(t, out, "Created project Demo")

	out, err = run(t, dir, "", "--json", "projects")
	require.NoError(t, err)
	res := gjson.Parse(out)
	require.True(t, res.Get("success").Bool(), out)
	id := res.Get("data.projects.0.id").String()
	require.NotEmpty(t, id)
	assert.Equal(t, id, res.Get("data.activeProjectId").String())

	out, err = run(t, dir, `{"a": 1}`, "put", id, "notes")
	require.NoError(t, err)
	assert.Equal(t, "Wrote projects/"+id+"/notes.json\n", out)

	out, err = run(t, dir, "", "get", id, "notes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gjson.Get(out, "a").Int())

	out, err = run(t, dir, "", "--json", "get", id, "missing")
	require.Error(t, err)
	res = gjson.Parse(out)
	assert.False(t, res.Get("success").Bool())
	assert.Equal(t, string(verrors.CodeDocumentNotFound), res.Get("code").String())
	assert.Equal(t, id, res.Get("context.project_id").String())

	_, err = run(t, dir, "not json", "put", id, "bad")
	require.Error(t, err)

	cyclic := `{"tasks":[{"id":"a","title":"A","parentId":"b"},{"id":"b","title":"B","parentId":"a"}]}`
	_, err = run(t, dir, cyclic, "tasks", id, "--set", "-")
	require.ErrorIs(t, err, tasktree.ErrCycle)

	tree := `{"tasks":[{"id":"root","title":"Root"},{"id":"leaf","title":"Leaf","parentId":"root","status":"completed"}]}`
	out, err = run(t, dir, tree, "tasks", id, "--set", "-")
	require.NoError(t, err)
	assert.Equal(t, "Stored 2 tasks\n", out)

	out, err = run(t, dir, "", "tasks", id)
	require.NoError(t, err)
	assert.Equal(t, "- [pending] Root (root)\n  - [completed] Leaf (leaf)\n", out)

	out, err = run(t, dir, "", "archive", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Archived 4 documents to archives/"+id+"-")

	out, err = run(t, dir, "", "archive", id, "--list")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, ".tar.zst"))

	out, err = run(t, dir, "", "sync", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Sync finished: 2 processed, 0 failed")

	out, err = run(t, dir, "", "migrate")
	require.NoError(t, err)
	assert.Equal(t, "Checked 1 projects, migrated 0\n", out)

	out, err = run(t, dir, "", "status", "--json")
	require.NoError(t, err)
	assert.Equal(t, dir, gjson.Get(out, "data_dir").String())
	assert.True(t, gjson.Get(out, "lock.pid").Exists())

	out, err = run(t, dir, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Data dir:     "+dir)
}

func TestUseUnknownProject(t *testing.T) {
	_, err := run(t, t.TempDir(), "", "use", "ghost")
	assert.ErrorIs(t, err, verrors.ErrNotFound)
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	PrintError(&buf, verrors.ErrDocumentCorrupt("p.json", io.ErrUnexpectedEOF), true)
	assert.Contains(t, buf.String(), "Error: ")
	assert.Contains(t, buf.String(), "Code: DOCUMENT_CORRUPT")

	buf.Reset()
	PrintError(&buf, io.EOF, false)
	assert.Equal(t, "Error: EOF\n", buf.String())
}
