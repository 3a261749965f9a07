package license

import (
	"context"
	"sync"
	"time"

	"github.com/keyforge/keyforge/internal/logging"
	"github.com/keyforge/keyforge/internal/models"
	"github.com/keyforge/keyforge/internal/monitoring"
	"github.com/rs/zerolog"
)

const (
	auditBufferSize   = 1024
	auditMaxBatch     = 100
	auditFlushTimeout = 5 * time.Second
)

// AuditWriter batches validation log entries and flushes them to the sink in
// the background, off the validation critical path. Enqueue never blocks: when
// the buffer is full the entry is dropped and counted.
type AuditWriter struct {
	sink     AuditSink
	entries  chan models.ValidationLog
	interval time.Duration
	logger   zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewAuditWriter starts a background writer flushing to sink every interval
func NewAuditWriter(sink AuditSink, interval time.Duration) *AuditWriter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	w := &AuditWriter{
		sink:     sink,
		entries:  make(chan models.ValidationLog, auditBufferSize),
		interval: interval,
		logger:   logging.NewLogger("audit"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue queues an entry for the next flush. Non-blocking.
func (w *AuditWriter) Enqueue(entry models.ValidationLog) {
	select {
	case w.entries <- entry:
	default:
		monitoring.RecordAuditLogDropped(1)
		w.logger.Warn().Msg("Audit buffer full, dropping validation log entry")
	}
}

// Close flushes any buffered entries and stops the background writer
func (w *AuditWriter) Close() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}

func (w *AuditWriter) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]models.ValidationLog, 0, auditMaxBatch)
	for {
		select {
		case entry := <-w.entries:
			batch = append(batch, entry)
			if len(batch) >= auditMaxBatch {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			batch = w.flush(batch)
		case <-w.stop:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case entry := <-w.entries:
					batch = append(batch, entry)
				default:
					w.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes the batch to the sink and returns an empty batch. A failed
// flush drops the entries: audit logging must never back-pressure validation.
func (w *AuditWriter) flush(batch []models.ValidationLog) []models.ValidationLog {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditFlushTimeout)
	defer cancel()

	if err := w.sink.AppendBatch(ctx, batch); err != nil {
		monitoring.RecordAuditLogDropped(len(batch))
		w.logger.Error().Err(err).Int("count", len(batch)).Msg("Failed to flush validation log entries")
	} else {
		monitoring.RecordAuditLogFlushed(len(batch))
	}
	return batch[:0]
}
