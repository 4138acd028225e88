package scheduler

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-errors/errors"
	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/askexperts/expertlib/expertdb"
)

// DefaultPendingJobTimeout bounds how long a worker may sit on a job
// assignment without reporting started.
const DefaultPendingJobTimeout = 30 * time.Second

// Expert states as tracked by the scheduler.
const (
	StateQueued   = "queued"
	StateStarting = "starting"
	StateStarted  = "started"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// Config groups the scheduler dependencies.
type Config struct {
	// Store is the expert and wallet database.
	Store expertdb.Store

	// ListenAddr, when non-empty, makes Start bring up an HTTP listener
	// serving the worker WebSocket. Leave empty to mount Handler on an
	// existing server.
	ListenAddr string

	// Clock drives the pending-job timer. Defaults to the wall clock.
	Clock clock.Clock

	// PendingJobTimeout overrides DefaultPendingJobTimeout.
	PendingJobTimeout time.Duration
}

// trackedExpert is the scheduler-side view of one expert.
type trackedExpert struct {
	pubkey   string
	state    string
	workerID string

	// snapshot is the config last sent to (or loaded for) the expert.
	snapshot *expertdb.Expert

	// pendingRestart buffers a config update that arrived while the
	// expert was winding down. Applied once stopped is reported.
	pendingRestart *expertdb.Expert

	// restarting marks a wind-down that the worker will follow with a
	// fresh start, so a stopped report must not requeue the expert.
	restarting bool

	// epoch increments on every assignment so stale pending-job timers
	// can be told apart from live ones.
	epoch uint64
}

// trackedWorker is the scheduler-side view of one worker connection.
type trackedWorker struct {
	id           string
	conn         *wsConn
	assigned     map[string]struct{}
	lastActivity time.Time
	needsJob     bool
	ready        bool
}

type schedEvent interface{}

type evMessage struct {
	conn *wsConn
	msg  Message
}

type evConnClosed struct {
	conn *wsConn
}

type evJobTimeout struct {
	workerID string
	pubkey   string
	epoch    uint64
}

type evExpertUpdated struct {
	expert *expertdb.Expert
}

// Scheduler assigns experts from the database to connected worker
// processes over a WebSocket control channel. All state mutation happens
// on a single event loop; connection readers only deserialize and
// dispatch.
type Scheduler struct {
	started uint32
	stopped uint32

	cfg Config

	mu      sync.Mutex
	experts map[string]*trackedExpert
	workers map[string]*trackedWorker
	conns   map[*wsConn]struct{}

	events chan schedEvent
	quit   chan struct{}
	wg     sync.WaitGroup

	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a scheduler. Call Start to load experts and begin serving.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("scheduler: store required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.PendingJobTimeout == 0 {
		cfg.PendingJobTimeout = DefaultPendingJobTimeout
	}
	return &Scheduler{
		cfg:     cfg,
		experts: make(map[string]*trackedExpert),
		workers: make(map[string]*trackedWorker),
		conns:   make(map[*wsConn]struct{}),
		events:  make(chan schedEvent),
		quit:    make(chan struct{}),
	}, nil
}

// Start loads the expert table and begins accepting workers.
func (s *Scheduler) Start() error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return nil
	}
	log.Infof("Scheduler starting")

	experts, err := s.cfg.Store.ListExperts()
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, e := range experts {
		s.experts[e.Pubkey] = &trackedExpert{
			pubkey:   e.Pubkey,
			state:    StateQueued,
			snapshot: e,
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.eventLoop()

	if s.cfg.ListenAddr != "" {
		s.server = &http.Server{
			Addr:    s.cfg.ListenAddr,
			Handler: s.Handler(),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.server.ListenAndServe(); err != nil &&
				err != http.ErrServerClosed {

				log.Errorf("scheduler listener: %v", err)
			}
		}()
	}
	return nil
}

// Stop shuts the listener, drops all workers and waits for the loop.
func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return nil
	}
	log.Infof("Scheduler shutting down")
	close(s.quit)
	if s.server != nil {
		s.server.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Handler returns the WebSocket endpoint workers dial.
func (s *Scheduler) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// ExpertState reports the tracked state and assigned worker of an
// expert. The second return is false for unknown pubkeys.
func (s *Scheduler) ExpertState(pubkey string) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.experts[pubkey]
	if !ok {
		return "", "", false
	}
	return t.state, t.workerID, true
}

// UpdateExpert persists a changed expert record and, if the expert is
// running, restarts it with the new snapshot.
func (s *Scheduler) UpdateExpert(expert *expertdb.Expert) error {
	if err := s.cfg.Store.PutExpert(expert); err != nil {
		return err
	}
	s.post(evExpertUpdated{expert: expert})
	return nil
}

func (s *Scheduler) post(ev schedEvent) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Scheduler) serveWS(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("worker upgrade failed: %v", err)
		return
	}
	conn := newWSConn(raw)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)
}

// readLoop deserializes worker messages and hands them to the event
// loop. It never touches scheduler state directly.
func (s *Scheduler) readLoop(conn *wsConn) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Criticalf("worker reader panic: %v",
				errors.Wrap(r, 1).ErrorStack())
		}
	}()
	defer s.post(evConnClosed{conn: conn})

	for {
		var msg Message
		if err := conn.conn.ReadJSON(&msg); err != nil {
			log.Debugf("worker read: %v", err)
			return
		}
		select {
		case s.events <- evMessage{conn: conn, msg: msg}:
		case <-s.quit:
			return
		}
	}
}

// eventLoop is the only goroutine that mutates the expert and worker
// tables. The mutex is held per-event so inspection calls can read
// between events.
func (s *Scheduler) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.mu.Lock()
			switch e := ev.(type) {
			case evMessage:
				s.handleMessage(e.conn, e.msg)
			case evConnClosed:
				s.handleConnClosed(e.conn)
			case evJobTimeout:
				s.handleJobTimeout(e)
			case evExpertUpdated:
				s.handleExpertUpdated(e.expert)
			}
			s.mu.Unlock()

		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) handleMessage(conn *wsConn, msg Message) {
	switch msg.Type {
	case TypeExperts:
		w := s.bindWorker(conn, msg.WorkerID)
		if w == nil {
			return
		}
		w.ready = true
		s.adoptExperts(w, msg.Experts)
		s.serveNeedy()

	case TypeNeedJob:
		w := s.bindWorker(conn, msg.WorkerID)
		if w == nil {
			return
		}
		w.needsJob = true
		s.tryAssign(w)

	case TypeStarted:
		s.handleStarted(conn, msg.ExpertPubkey)

	case TypeStopped:
		s.handleStopped(conn, msg.ExpertPubkey)

	default:
		log.Tracef("ignoring message type %q", msg.Type)
	}
}

// bindWorker associates a connection with a worker ID on its first
// identified message, evicting any previous connection under the same
// ID.
func (s *Scheduler) bindWorker(conn *wsConn, workerID string) *trackedWorker {
	if workerID == "" {
		log.Warnf("worker message without id, dropping")
		return nil
	}
	if conn.workerID == workerID {
		w := s.workers[workerID]
		if w != nil {
			w.lastActivity = s.cfg.Clock.Now()
		}
		return w
	}

	if prev, ok := s.workers[workerID]; ok && prev.conn != conn {
		log.Infof("worker %v reconnected, dropping old conn", workerID)
		prev.conn.close()
		s.releaseWorker(prev)
	}

	conn.workerID = workerID
	w := &trackedWorker{
		id:           workerID,
		conn:         conn,
		assigned:     make(map[string]struct{}),
		lastActivity: s.cfg.Clock.Now(),
		ready:        true,
	}
	s.workers[workerID] = w
	log.Infof("worker %v connected", workerID)
	return w
}

// adoptExperts reconciles a worker's declaration of what it already
// runs. Queued experts are adopted straight into started; experts owned
// by another worker are told to stop on the declaring side.
func (s *Scheduler) adoptExperts(w *trackedWorker, pubkeys []string) {
	for _, pubkey := range pubkeys {
		t, ok := s.experts[pubkey]
		if !ok {
			log.Warnf("worker %v claims unknown expert %v, "+
				"stopping it", w.id, pubkey)
			w.conn.send(Message{Type: TypeStop, ExpertPubkey: pubkey})
			continue
		}
		switch {
		case t.workerID == w.id:
			// Already ours; a stale declaration confirms started.
			if t.state == StateStarting {
				t.state = StateStarted
			}

		case t.workerID == "":
			log.Infof("adopting expert %v as started on worker %v",
				pubkey, w.id)
			t.state = StateStarted
			t.workerID = w.id
			t.epoch++
			w.assigned[pubkey] = struct{}{}

		default:
			// Someone else owns it; only one started instance may
			// exist.
			log.Warnf("expert %v already on worker %v, stopping "+
				"duplicate on %v", pubkey, t.workerID, w.id)
			w.conn.send(Message{Type: TypeStop, ExpertPubkey: pubkey})
		}
	}
}

// tryAssign hands the first unassigned queued expert, in pubkey order,
// to the worker.
func (s *Scheduler) tryAssign(w *trackedWorker) {
	if !w.ready {
		w.conn.send(Message{Type: TypeNoJob})
		return
	}

	pubkeys := make([]string, 0, len(s.experts))
	for pubkey := range s.experts {
		pubkeys = append(pubkeys, pubkey)
	}
	sort.Strings(pubkeys)

	for _, pubkey := range pubkeys {
		t := s.experts[pubkey]
		if t.state != StateQueued || t.workerID != "" {
			continue
		}
		s.assign(t, w)
		return
	}

	w.conn.send(Message{Type: TypeNoJob})
}

func (s *Scheduler) assign(t *trackedExpert, w *trackedWorker) {
	t.state = StateStarting
	t.workerID = w.id
	t.epoch++
	w.assigned[t.pubkey] = struct{}{}
	w.needsJob = false

	w.conn.send(Message{
		Type:         TypeJob,
		ExpertPubkey: t.pubkey,
		Expert:       t.snapshot,
		NWC:          s.lookupNWC(t.snapshot),
	})
	metricAssignments.Inc()
	log.Infof("assigned expert %v to worker %v", t.pubkey, w.id)

	s.startPendingTimer(w.id, t.pubkey, t.epoch)
}

// lookupNWC resolves the expert's wallet binding to its connect string,
// falling back to the default wallet. Missing wallets degrade to an
// empty string so the worker can still start and report the problem.
func (s *Scheduler) lookupNWC(expert *expertdb.Expert) string {
	var (
		wallet *expertdb.Wallet
		err    error
	)
	if expert.Wallet != "" {
		wallet, err = s.cfg.Store.GetWallet(expert.Wallet)
	} else {
		wallet, err = s.cfg.Store.DefaultWallet()
	}
	if err != nil {
		log.Warnf("no wallet for expert %v: %v", expert.Pubkey, err)
		return ""
	}
	return wallet.NWC
}

func (s *Scheduler) startPendingTimer(workerID, pubkey string, epoch uint64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.cfg.Clock.TickAfter(s.cfg.PendingJobTimeout):
			s.post(evJobTimeout{
				workerID: workerID,
				pubkey:   pubkey,
				epoch:    epoch,
			})
		case <-s.quit:
		}
	}()
}

func (s *Scheduler) handleJobTimeout(ev evJobTimeout) {
	t, ok := s.experts[ev.pubkey]
	if !ok || t.epoch != ev.epoch || t.state != StateStarting ||
		t.workerID != ev.workerID {

		return
	}

	log.Warnf("worker %v never started expert %v, requeueing",
		ev.workerID, ev.pubkey)
	if w, ok := s.workers[ev.workerID]; ok {
		delete(w.assigned, ev.pubkey)
		w.ready = false
	}
	s.requeue(t)
	s.serveNeedy()
}

func (s *Scheduler) handleStarted(conn *wsConn, pubkey string) {
	t, ok := s.experts[pubkey]
	if !ok || t.workerID != conn.workerID {
		log.Warnf("stray started for %v from %v", pubkey, conn.workerID)
		return
	}
	t.state = StateStarted
	t.restarting = false
	log.Infof("expert %v started on worker %v", pubkey, conn.workerID)
}

func (s *Scheduler) handleStopped(conn *wsConn, pubkey string) {
	t, ok := s.experts[pubkey]
	if !ok || t.workerID != conn.workerID {
		log.Warnf("stray stopped for %v from %v", pubkey, conn.workerID)
		return
	}
	w, ok := s.workers[conn.workerID]
	if !ok {
		return
	}

	switch {
	case t.pendingRestart != nil:
		// A config update landed while winding down; push the freshest
		// snapshot now.
		t.snapshot = t.pendingRestart
		t.pendingRestart = nil
		t.restarting = true
		t.state = StateStopping
		w.conn.send(Message{
			Type:         TypeRestart,
			ExpertPubkey: t.pubkey,
			Expert:       t.snapshot,
			NWC:          s.lookupNWC(t.snapshot),
		})

	case t.restarting:
		// The worker is bringing it back itself.
		t.state = StateStarting
		t.epoch++
		s.startPendingTimer(w.id, t.pubkey, t.epoch)

	case t.state == StateStopping:
		t.state = StateStopped
		t.workerID = ""
		delete(w.assigned, pubkey)

	default:
		// Involuntary exit.
		log.Warnf("expert %v exited on worker %v, requeueing",
			pubkey, conn.workerID)
		delete(w.assigned, pubkey)
		s.requeue(t)
		s.serveNeedy()
	}
}

func (s *Scheduler) handleExpertUpdated(expert *expertdb.Expert) {
	t, ok := s.experts[expert.Pubkey]
	if !ok {
		s.experts[expert.Pubkey] = &trackedExpert{
			pubkey:   expert.Pubkey,
			state:    StateQueued,
			snapshot: expert,
		}
		s.serveNeedy()
		return
	}

	if !configChanged(t.snapshot, expert) {
		t.snapshot = expert
		return
	}

	switch t.state {
	case StateQueued, StateStopped:
		t.snapshot = expert

	case StateStopping:
		t.pendingRestart = expert

	case StateStarting, StateStarted:
		w, ok := s.workers[t.workerID]
		if !ok {
			t.snapshot = expert
			s.requeue(t)
			return
		}
		t.snapshot = expert
		t.state = StateStopping
		t.restarting = true
		w.conn.send(Message{
			Type:         TypeRestart,
			ExpertPubkey: t.pubkey,
			Expert:       expert,
			NWC:          s.lookupNWC(expert),
		})
		log.Infof("restarting expert %v on worker %v for new config",
			t.pubkey, w.id)
	}
}

func (s *Scheduler) handleConnClosed(conn *wsConn) {
	delete(s.conns, conn)
	conn.close()

	if conn.workerID == "" {
		return
	}
	w, ok := s.workers[conn.workerID]
	if !ok || w.conn != conn {
		return
	}
	log.Warnf("worker %v lost, requeueing %d experts",
		w.id, len(w.assigned))
	s.releaseWorker(w)
	s.serveNeedy()
}

// releaseWorker returns every expert assigned to the worker to the
// queue and forgets the worker.
func (s *Scheduler) releaseWorker(w *trackedWorker) {
	for pubkey := range w.assigned {
		if t, ok := s.experts[pubkey]; ok && t.workerID == w.id {
			s.requeue(t)
		}
	}
	delete(s.workers, w.id)
}

func (s *Scheduler) requeue(t *trackedExpert) {
	t.state = StateQueued
	t.workerID = ""
	t.restarting = false
	if t.pendingRestart != nil {
		t.snapshot = t.pendingRestart
		t.pendingRestart = nil
	}
	t.epoch++
	metricRequeued.Inc()
}

// serveNeedy offers queued work to waiting workers in worker-id order.
func (s *Scheduler) serveNeedy() {
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		w := s.workers[id]
		if w.needsJob && w.ready {
			s.tryAssign(w)
		}
	}
}

// configChanged compares the fields that matter for a running expert.
// UpdatedAt alone never triggers a restart.
func configChanged(a, b *expertdb.Expert) bool {
	if a == nil || b == nil {
		return a != b
	}
	return a.PrivKey != b.PrivKey ||
		a.Nickname != b.Nickname ||
		a.Description != b.Description ||
		a.Picture != b.Picture ||
		a.Model != b.Model ||
		a.SystemPrompt != b.SystemPrompt ||
		a.Stream != b.Stream ||
		a.Wallet != b.Wallet ||
		a.PriceBaseSats != b.PriceBaseSats ||
		!equalStrings(a.Hashtags, b.Hashtags) ||
		!equalStrings(a.DiscoveryRelays, b.DiscoveryRelays) ||
		!equalStrings(a.PromptRelays, b.PromptRelays) ||
		!equalStrings(a.Formats, b.Formats) ||
		!equalStrings(a.Methods, b.Methods)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
