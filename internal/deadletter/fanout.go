package deadletter

import (
	"context"

	"github.com/mattjoyce/payhook/internal/log"
)

// Fanout writes to a primary sink and then best-effort to mirrors. Only a
// primary failure is returned; mirror failures are logged.
type Fanout struct {
	primary Sink
	mirrors []Sink
}

// NewFanout returns a fanout sink.
func NewFanout(primary Sink, mirrors ...Sink) *Fanout {
	return &Fanout{primary: primary, mirrors: mirrors}
}

func (f *Fanout) Append(ctx context.Context, e Entry) error {
	if err := f.primary.Append(ctx, e); err != nil {
		return err
	}
	for _, m := range f.mirrors {
		if err := m.Append(ctx, e); err != nil {
			log.WithComponent("deadletter").Warn("mirror append failed",
				"dead_letter_id", e.ID, "dedupe_key", e.DedupeKey, "error", err)
		}
	}
	return nil
}
