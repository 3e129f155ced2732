package spill

import (
	"log"
	"sync"
)

// Writer dispatches store writes to a small worker pool so publishing a
// result list is not serialized behind disk I/O. Submissions block once the
// in-flight cap is reached, which bounds memory held by pending writes and
// stalls batch admission upstream.
type Writer struct {
	store   *Store
	logger  *log.Logger
	work    chan writeJob
	wg      sync.WaitGroup
	pending sync.WaitGroup
}

type writeJob struct {
	key  string
	data []byte
	then func(key string, err error)
}

// NewWriter starts workers goroutines servicing writes, admitting at most
// maxInFlight submissions at a time.
func NewWriter(store *Store, workers, maxInFlight int, logger *log.Logger) *Writer {
	if workers <= 0 {
		workers = 2
	}
	if maxInFlight < workers {
		maxInFlight = workers
	}
	if logger == nil {
		logger = log.Default()
	}
	w := &Writer{
		store:  store,
		logger: logger,
		work:   make(chan writeJob, maxInFlight-workers),
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

func (w *Writer) run() {
	defer w.wg.Done()
	for job := range w.work {
		err := w.store.Put(job.key, job.data)
		if err != nil {
			w.logger.Printf("spill: write %s failed: %v", job.key, err)
		}
		if job.then != nil {
			job.then(job.key, err)
		}
		w.pending.Done()
	}
}

// Submit queues one write, blocking while the pool is at capacity. The
// callback runs on a worker goroutine after the write lands (or fails).
func (w *Writer) Submit(key string, data []byte, then func(key string, err error)) {
	w.pending.Add(1)
	w.work <- writeJob{key: key, data: data, then: then}
}

// Flush blocks until every submitted write has completed.
func (w *Writer) Flush() { w.pending.Wait() }

// Close flushes outstanding writes and stops the workers.
func (w *Writer) Close() {
	w.pending.Wait()
	close(w.work)
	w.wg.Wait()
}
