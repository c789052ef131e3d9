package server

import (
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// sequencer runs jobs on a fixed pool of workers. Jobs sharing a key always
// land on the same worker and run in submission order; different keys run in
// parallel. Submission never blocks, so it is safe while holding other locks.
type sequencer struct {
	name     string
	queues   []*mailbox
	backlog  int
	log      *zap.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type mailbox struct {
	mu     sync.Mutex
	jobs   []func()
	closed bool
	wake   chan struct{}
	warned bool
}

func newSequencer(name string, workers, backlog int, log *zap.Logger) *sequencer {
	if workers <= 0 {
		workers = 1
	}
	s := &sequencer{
		name:    name,
		queues:  make([]*mailbox, workers),
		backlog: backlog,
		log:     log.With(zap.String("sequencer", name)),
	}
	for i := range s.queues {
		mb := &mailbox{wake: make(chan struct{}, 1)}
		s.queues[i] = mb
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.work(mb)
		}()
	}
	return s
}

// submit queues job behind every earlier job with the same key. It returns
// false once the sequencer is stopped.
func (s *sequencer) submit(key string, job func()) bool {
	mb := s.queues[s.slot(key)]

	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.jobs = append(mb.jobs, job)
	pending := len(mb.jobs)
	overloaded := s.backlog > 0 && pending > s.backlog && !mb.warned
	if overloaded {
		mb.warned = true
	}
	mb.mu.Unlock()

	if overloaded {
		s.log.Warn("Sequencer backlog above threshold", zap.String("key", key), zap.Int("pending", pending))
	}

	select {
	case mb.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *sequencer) slot(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *sequencer) work(mb *mailbox) {
	for range mb.wake {
		for {
			mb.mu.Lock()
			jobs := mb.jobs
			mb.jobs = nil
			mb.warned = false
			closed := mb.closed
			mb.mu.Unlock()

			if len(jobs) == 0 {
				if closed {
					return
				}
				break
			}
			for _, job := range jobs {
				s.run(job)
			}
		}
	}
}

func (s *sequencer) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from panic in sequenced job", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	job()
}

// stop rejects new jobs, lets every queued job finish and waits for the workers.
func (s *sequencer) stop() {
	s.stopOnce.Do(func() {
		for _, mb := range s.queues {
			mb.mu.Lock()
			mb.closed = true
			mb.mu.Unlock()
			select {
			case mb.wake <- struct{}{}:
			default:
			}
		}
		s.wg.Wait()
	})
}
