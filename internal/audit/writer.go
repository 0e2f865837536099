package audit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Writer buffers job records and writes them to the database off the
// scheduler's hot path. Records are dropped with a warning when the
// buffer is full; the audit log is best-effort, the engine never blocks
// on it.
type Writer struct {
	db   *DB
	ch   chan *JobRecord
	wg   sync.WaitGroup
	done chan struct{}
}

func NewWriter(db *DB, bufferSize int) *Writer {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &Writer{
		db:   db,
		ch:   make(chan *JobRecord, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record implements the scheduler's audit sink.
func (w *Writer) Record(rec *JobRecord) {
	select {
	case w.ch <- rec:
	default:
		log.Warn().Str("job_id", rec.ID).Msg("audit buffer full, dropping record")
	}
}

// Flush drains buffered records, waiting up to timeout.
func (w *Writer) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *Writer) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeWithRetry(rec *JobRecord) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.InsertRecord(ctx, rec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("job_id", rec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("job_id", rec.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}
