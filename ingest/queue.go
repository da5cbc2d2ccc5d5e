package ingest

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Job is one unit of serialized per-conversation work.
type Job func() error

// JobQueue runs jobs in strict FIFO order within a conversation lane while
// letting lanes for different conversations run concurrently. Lanes are
// created lazily on first use and live until removed or the process exits.
//
// A job is chained onto the tail of its lane; it starts only once every job
// submitted before it has finished, successfully or not. Failures are
// isolated per job and never block the lane.
type JobQueue struct {
	log   *zap.SugaredLogger
	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	// closed when the most recently submitted job completes
	tail chan struct{}
}

func NewJobQueue(log *zap.SugaredLogger) *JobQueue {
	return &JobQueue{
		log:   log,
		lanes: make(map[string]*lane),
	}
}

// Enqueue submits a job to the lane for conversationID and returns a channel
// that yields the job's result once it has run.
func (q *JobQueue) Enqueue(conversationID string, job Job) <-chan error {
	q.mu.Lock()
	l, ok := q.lanes[conversationID]
	if !ok {
		sealed := make(chan struct{})
		close(sealed)
		l = &lane{tail: sealed}
		q.lanes[conversationID] = l
	}
	prev := l.tail
	done := make(chan struct{})
	l.tail = done
	q.mu.Unlock()

	res := make(chan error, 1)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer close(done)
		<-prev
		err := job()
		if err != nil {
			q.log.Warnf("job for conversation %s failed: %v", conversationID, err)
		}
		res <- err
	}()
	return res
}

// Remove forgets the lane for a destroyed conversation. Jobs already
// submitted still run to completion.
func (q *JobQueue) Remove(conversationID string) {
	q.mu.Lock()
	delete(q.lanes, conversationID)
	q.mu.Unlock()
}

// Lanes returns the ids of all known lanes, sorted.
func (q *JobQueue) Lanes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := maps.Keys(q.lanes)
	slices.Sort(ids)
	return ids
}

// Wait blocks until every submitted job has completed.
func (q *JobQueue) Wait() {
	q.wg.Wait()
}
