package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/taskvault/internal/project"
	"github.com/randalmurphal/taskvault/internal/store"
)

// newStatusCmd creates the status command
func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show store health",
		Long: `Show the state of the data directory at a glance: lock holder, task
queue metrics, circuit breakers, resource pools, cache, and transactions.

Output is JSON when --json is given or stdout is not a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(st *store.Store, _ *project.Service) error {
				status := st.Status()
				if a.wantJSON() {
					return writeJSON(a.out, status)
				}
				return renderStatus(a.out, status)
			})
		},
	}
}

// printer remembers the first write error so rendering code stays linear.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) f(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func renderStatus(w io.Writer, st store.Status) error {
	p := &printer{w: w}

	p.f("Data dir:     %s\n", st.DataDir)
	if st.Lock != nil {
		p.f("Lock:         %s (pid %d) since %s\n", st.Lock.Owner, st.Lock.PID, st.Lock.Acquired.UTC().Format(time.RFC3339))
	}

	q := st.Queue
	p.f("\nQueue\n")
	p.f("  size %d, in flight %d, processed %d, failed %d, retried %d\n", q.Size, q.InFlight, q.Processed, q.Failed, q.Retried)
	p.f("  overflow %d, timeouts %d, evicted %d, rejected %d, deferred %d\n", q.Overflow, q.Timeouts, q.Evicted, q.Rejected, q.Deferred)
	p.f("  avg processing %s, efficiency %.1f\n", q.AvgProcessingTime, q.Efficiency)

	if len(st.Pending) > 0 {
		p.f("\nPending\n")
		p.f("  %-24s %-12s %8s %8s\n", "ID", "TYPE", "PRIORITY", "RETRIES")
		for _, t := range st.Pending {
			p.f("  %-24s %-12s %8d %8s\n", t.ID, t.Type, t.Priority, fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries))
		}
	}

	p.f("\nBoundaries\n")
	if len(st.Boundaries) == 0 {
		p.f("  none\n")
	} else {
		p.f("  %-24s %-10s %7s %9s %8s\n", "NAME", "STATE", "ERRORS", "SUCCESSES", "REJECTED")
		for _, b := range st.Boundaries {
			marker := ""
			if b.HighImpact {
				marker = "  high impact"
			}
			p.f("  %-24s %-10s %7d %9d %8d%s\n", b.Name, b.State, b.Errors, b.Successes, b.Rejected, marker)
		}
	}

	al := st.Allocator
	p.f("\nAllocator: strategy %s, efficiency %.1f, %d active reservations\n", al.Strategy, al.Efficiency, al.ActiveReservations)
	p.f("  %-12s %9s %9s %6s\n", "POOL", "ALLOCATED", "AVAILABLE", "USED")
	for _, pool := range al.Pools {
		p.f("  %-12s %9d %9d %5.0f%%\n", pool.Name, pool.Allocated, pool.Available, pool.Utilization*100)
	}

	c := st.Cache
	p.f("\nCache:        %d entries (capacity %d), %d hits, %d misses, %d evictions\n", c.Entries, c.Capacity, c.Hits, c.Misses, c.Evictions)
	tx := st.Transactions
	p.f("Transactions: %d begun, %d committed, %d rolled back, %d compensated\n", tx.Begun, tx.Committed, tx.RolledBack, tx.Compensated)
	return p.err
}
