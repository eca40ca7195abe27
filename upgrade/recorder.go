package upgrade

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// logRecorder accumulates the operation's progress lines and persists them
// through the store. Lines reported with save unset stay buffered until the
// next saved line, so related lines land in the database together.
//
// Safe for concurrent use: abandoned reflash goroutines may still report
// lines while the driver moves on.
type logRecorder struct {
	mu      sync.Mutex
	ctx     context.Context
	store   Store
	opID    string
	pending []string
	log     logrus.FieldLogger
}

func newLogRecorder(ctx context.Context, store Store, opID string, log logrus.FieldLogger) *logRecorder {
	// Log lines must survive the operation's deadline; a timed out upgrade
	// still wants its tail persisted.
	return &logRecorder{
		ctx:   context.WithoutCancel(ctx),
		store: store,
		opID:  opID,
		log:   log,
	}
}

func (r *logRecorder) Log(line string, save bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Info("# " + line)
	r.pending = append(r.pending, line)
	if !save {
		return
	}
	for _, pending := range r.pending {
		if err := r.store.AppendOperationLog(r.ctx, r.opID, pending); err != nil {
			r.log.WithError(err).Error("Failed to persist operation log line")
		}
	}
	r.pending = nil
}

// Flush persists any buffered lines. Called before the operation reaches a
// terminal status so no reported line is lost.
func (r *logRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pending := range r.pending {
		if err := r.store.AppendOperationLog(r.ctx, r.opID, pending); err != nil {
			r.log.WithError(err).Error("Failed to persist operation log line")
		}
	}
	r.pending = nil
}
