package worker

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/askexperts/expertlib/expertdb"
	"github.com/askexperts/expertlib/scheduler"
)

const (
	// DefaultCapacity is how many experts a worker runs at once.
	DefaultCapacity = 4

	// DefaultReconnectBackoff spaces redial attempts after losing the
	// scheduler connection.
	DefaultReconnectBackoff = 5 * time.Second

	// DefaultNeedJobInterval is how often an idle worker with spare
	// capacity re-asks for work after a no_job.
	DefaultNeedJobInterval = 15 * time.Second
)

// Runner is one running expert instance. The factory below builds them
// from a config snapshot; Start must not block for the lifetime of the
// expert.
type Runner interface {
	Start() error
	Stop() error
}

// RunnerFactory builds a Runner for an assigned expert. nwc is the
// wallet connect string the scheduler resolved for it, possibly empty.
type RunnerFactory func(expert *expertdb.Expert, nwc string) (Runner, error)

// Config groups the worker dependencies.
type Config struct {
	// SchedulerURL is the ws:// endpoint of the scheduler.
	SchedulerURL string

	// Factory builds expert runtimes for assigned jobs.
	Factory RunnerFactory

	// WorkerID overrides the generated identifier. Reusing an ID across
	// restarts lets the scheduler adopt still-running experts.
	WorkerID string

	Capacity         int
	ReconnectBackoff time.Duration
	NeedJobInterval  time.Duration
}

// Worker is the data-plane process client: it dials the scheduler,
// declares what it runs, asks for work and runs expert instances from
// job assignments.
type Worker struct {
	started uint32
	stopped uint32

	cfg Config
	id  string

	mu      sync.Mutex
	runners map[string]Runner

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a worker. Call Start to connect.
func New(cfg Config) (*Worker, error) {
	if cfg.SchedulerURL == "" {
		return nil, fmt.Errorf("worker: scheduler url required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("worker: runner factory required")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.NeedJobInterval == 0 {
		cfg.NeedJobInterval = DefaultNeedJobInterval
	}
	return &Worker{
		cfg:     cfg,
		id:      cfg.WorkerID,
		runners: make(map[string]Runner),
		quit:    make(chan struct{}),
	}, nil
}

// ID returns the worker identifier announced to the scheduler.
func (w *Worker) ID() string {
	return w.id
}

// Start connects to the scheduler and begins serving assignments,
// reconnecting with backoff until Stop.
func (w *Worker) Start() error {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return nil
	}
	log.Infof("Worker %v starting against %v", w.id, w.cfg.SchedulerURL)
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop disconnects and winds down every running expert.
func (w *Worker) Stop() error {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return nil
	}
	close(w.quit)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	for pubkey, runner := range w.runners {
		if err := runner.Stop(); err != nil {
			log.Errorf("stopping expert %v: %v", pubkey, err)
		}
		delete(w.runners, pubkey)
	}
	return nil
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		conn, _, err := websocket.DefaultDialer.Dial(
			w.cfg.SchedulerURL, nil,
		)
		if err != nil {
			log.Warnf("dial scheduler: %v", err)
		} else {
			w.session(newSession(w, conn))
		}

		select {
		case <-time.After(w.cfg.ReconnectBackoff):
		case <-w.quit:
			return
		}
	}
}

// session is one scheduler connection. The write mutex covers the
// reader goroutine and the idle re-ask timer.
type session struct {
	worker *Worker
	conn   *websocket.Conn

	writeMu sync.Mutex
	timerMu sync.Mutex
	askMore *time.Timer
}

func newSession(w *Worker, conn *websocket.Conn) *session {
	return &session{worker: w, conn: conn}
}

func (s *session) send(msg scheduler.Message) {
	msg.WorkerID = s.worker.id
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		log.Debugf("scheduler write: %v", err)
	}
}

func (w *Worker) session(s *session) {
	defer s.conn.Close()
	defer s.stopAskTimer()

	// Unblock the read loop on shutdown.
	done := make(chan struct{})
	defer close(done)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case <-w.quit:
			s.conn.Close()
		case <-done:
		}
	}()

	s.send(scheduler.Message{
		Type:    scheduler.TypeExperts,
		Experts: w.runningPubkeys(),
	})
	s.askIfSpare()

	for {
		var msg scheduler.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			log.Debugf("scheduler read: %v", err)
			return
		}
		w.handle(s, msg)
	}
}

func (w *Worker) handle(s *session, msg scheduler.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Criticalf("handler panic on %v: %v", msg.Type,
				errors.Wrap(r, 1).ErrorStack())
		}
	}()

	switch msg.Type {
	case scheduler.TypeJob:
		w.startExpert(s, msg.Expert, msg.NWC)
		s.askIfSpare()

	case scheduler.TypeStop:
		w.stopExpert(s, msg.ExpertPubkey)
		s.askIfSpare()

	case scheduler.TypeRestart:
		w.stopExpert(s, msg.ExpertPubkey)
		w.startExpert(s, msg.Expert, msg.NWC)

	case scheduler.TypeNoJob:
		s.scheduleAsk(w.cfg.NeedJobInterval)

	default:
		log.Tracef("ignoring message type %q", msg.Type)
	}
}

// startExpert builds and starts a runner, reporting started on success
// and stopped on failure so the scheduler requeues promptly.
func (w *Worker) startExpert(s *session, expert *expertdb.Expert, nwc string) {
	if expert == nil {
		log.Warnf("job without expert payload")
		return
	}

	runner, err := w.cfg.Factory(expert, nwc)
	if err == nil {
		err = runner.Start()
	}
	if err != nil {
		log.Errorf("starting expert %v: %v", expert.Pubkey, err)
		s.send(scheduler.Message{
			Type:         scheduler.TypeStopped,
			ExpertPubkey: expert.Pubkey,
		})
		return
	}

	w.mu.Lock()
	w.runners[expert.Pubkey] = runner
	w.mu.Unlock()

	log.Infof("expert %v running", expert.Pubkey)
	s.send(scheduler.Message{
		Type:         scheduler.TypeStarted,
		ExpertPubkey: expert.Pubkey,
	})
}

func (w *Worker) stopExpert(s *session, pubkey string) {
	w.mu.Lock()
	runner, ok := w.runners[pubkey]
	delete(w.runners, pubkey)
	w.mu.Unlock()

	if ok {
		if err := runner.Stop(); err != nil {
			log.Errorf("stopping expert %v: %v", pubkey, err)
		}
	}
	s.send(scheduler.Message{
		Type:         scheduler.TypeStopped,
		ExpertPubkey: pubkey,
	})
}

func (w *Worker) runningPubkeys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	pubkeys := make([]string, 0, len(w.runners))
	for pubkey := range w.runners {
		pubkeys = append(pubkeys, pubkey)
	}
	sort.Strings(pubkeys)
	return pubkeys
}

func (s *session) askIfSpare() {
	s.worker.mu.Lock()
	spare := len(s.worker.runners) < s.worker.cfg.Capacity
	s.worker.mu.Unlock()
	if spare {
		s.send(scheduler.Message{Type: scheduler.TypeNeedJob})
	}
}

func (s *session) scheduleAsk(after time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.askMore != nil {
		s.askMore.Stop()
	}
	s.askMore = time.AfterFunc(after, func() {
		select {
		case <-s.worker.quit:
			return
		default:
		}
		s.askIfSpare()
	})
}

func (s *session) stopAskTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.askMore != nil {
		s.askMore.Stop()
	}
}
