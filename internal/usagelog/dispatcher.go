// Package usagelog implements the Usage Logger's async dispatch side (C8),
// adapting the teacher's internal/service.RequestLogger buffered-channel
// worker pool around store.UsageLog instead of store.RequestLog, and
// dropping the teacher's paired conversation-content persistence (this
// system never stores message bodies, only token/latency metadata).
package usagelog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"opendum/internal/store"
)

const (
	DefaultBufferSize = 10000
	DefaultWorkers    = 4
	DefaultBatchSize  = 100
	FlushInterval     = 5 * time.Second
)

// Dispatcher queues UsageLog rows off the request hot path and writes them
// to the store in batches, matching the teacher's "never let logging slow
// down a proxied request" design.
type Dispatcher struct {
	store      *store.Store
	queue      chan *store.UsageLog
	bufferSize int
	workers    int
	batchSize  int
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	running    bool
}

func NewDispatcher(st *store.Store, bufferSize, workers int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Dispatcher{
		store:      st,
		queue:      make(chan *store.UsageLog, bufferSize),
		bufferSize: bufferSize,
		workers:    workers,
		batchSize:  DefaultBatchSize,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.processQueue(i)
	}

	log.Info().
		Int("buffer_size", d.bufferSize).
		Int("workers", d.workers).
		Int("batch_size", d.batchSize).
		Msg("usage log dispatcher started")
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()
	close(d.queue)
	d.wg.Wait()

	log.Info().Msg("usage log dispatcher stopped")
}

// Log queues one usage row for persistence. Non-blocking: a full queue
// drops the entry with a warning rather than stall the response path that
// is the whole reason this dispatcher exists.
func (d *Dispatcher) Log(entry *store.UsageLog) {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	if !running {
		return
	}

	select {
	case d.queue <- entry:
	default:
		log.Warn().
			Int("queue_size", len(d.queue)).
			Int("buffer_size", d.bufferSize).
			Msg("usage log queue full, dropping entry")
	}
}

func (d *Dispatcher) processQueue(workerID int) {
	defer d.wg.Done()

	batch := make([]*store.UsageLog, 0, d.batchSize)
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-d.queue:
			if !ok {
				d.writeBatch(batch)
				return
			}
			batch = append(batch, entry)
			if len(batch) >= d.batchSize {
				d.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				d.writeBatch(batch)
				batch = batch[:0]
			}

		case <-d.ctx.Done():
			// Pick up entries still buffered in the queue so that Stop
			// does not discard them.
			for drained := false; !drained; {
				select {
				case entry, ok := <-d.queue:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, entry)
				default:
					drained = true
				}
			}
			d.writeBatch(batch)
			log.Debug().Int("worker_id", workerID).Msg("usage log worker stopped")
			return
		}
	}
}

func (d *Dispatcher) writeBatch(entries []*store.UsageLog) {
	if len(entries) == 0 {
		return
	}

	start := time.Now()
	if err := d.store.BatchInsertUsageLogs(entries); err != nil {
		log.Error().Err(err).Int("count", len(entries)).Msg("failed to batch insert usage logs")
		return
	}
	log.Debug().Int("count", len(entries)).Dur("duration", time.Since(start)).Msg("batch inserted usage logs")
}

// QueueStatus reports current depth and capacity, for an admin health
// endpoint.
func (d *Dispatcher) QueueStatus() (size, capacity int) {
	return len(d.queue), d.bufferSize
}
