package queue

import (
	"context"
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// Enqueuer is the capability the scheduler (and job handlers that chain
// work) need from the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts *Options) (string, error)
}

// Scheduler registers recurring jobs into the queue at fixed cadences.
// Registering a queue again first removes its previous patterns, so
// cadence changes across deploys never leave duplicate schedules.
type Scheduler struct {
	cron *cron.Cron
	enq  Enqueuer

	mu      sync.Mutex
	entries map[string][]cron.EntryID
}

func NewScheduler(enq Enqueuer) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		enq:     enq,
		entries: make(map[string][]cron.EntryID),
	}
}

// Register schedules payload() to be enqueued on queueName per spec.
// payload is a constructor so each run carries fresh timestamps.
func (s *Scheduler) Register(queueName, spec string, payload func() any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries[queueName] {
		s.cron.Remove(id)
	}
	s.entries[queueName] = nil

	id, err := s.cron.AddFunc(spec, func() {
		if _, err := s.enq.Enqueue(context.Background(), queueName, payload(), nil); err != nil {
			log.Printf("[SCHEDULER] failed to enqueue %s: %v", queueName, err)
		}
	})
	if err != nil {
		return err
	}

	s.entries[queueName] = append(s.entries[queueName], id)
	log.Printf("[SCHEDULER] %s registered with pattern %q", queueName, spec)
	return nil
}

// Patterns returns how many patterns are registered for a queue
func (s *Scheduler) Patterns(queueName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[queueName])
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Println("[SCHEDULER] started")
}

// Stop halts scheduling and waits for in-flight enqueue callbacks
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Println("[SCHEDULER] stopped")
}
