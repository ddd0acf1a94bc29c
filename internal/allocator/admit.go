package allocator

import (
	"errors"
	"time"

	"github.com/randalmurphal/taskvault/internal/boundary"
	"github.com/randalmurphal/taskvault/internal/queue"
)

// Admit implements queue.Admitter: a task starts only once its resources
// are reserved, and the reservation is released when the attempt ends. A
// task whose degraded requirement exceeds a pool's total size is refused
// permanently.
func (a *Allocator) Admit(t *queue.Task) (func(time.Duration, error), error) {
	res, err := a.AllocateResources(Descriptor{
		Type:              t.Type,
		Difficulty:        t.Difficulty,
		EstimatedDuration: t.EstimatedDuration,
	})
	if err != nil {
		var short *InsufficientError
		if errors.As(err, &short) && short.Unsatisfiable() {
			return nil, boundary.Permanent(err)
		}
		return nil, err
	}
	return func(elapsed time.Duration, taskErr error) {
		a.RecordResponse(elapsed, taskErr)
		if err := a.ReleaseResources(res.ID); err != nil {
			a.logger.Error("release reservation", "reservation_id", res.ID, "error", err)
		}
	}, nil
}
