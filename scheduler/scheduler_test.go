package scheduler_test

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/askexperts/expertlib/expertdb"
	"github.com/askexperts/expertlib/scheduler"
	"github.com/askexperts/expertlib/worker"
)

type harness struct {
	store *expertdb.DB
	sched *scheduler.Scheduler
	wsURL string
}

func newHarness(t *testing.T, clk clock.Clock) *harness {
	t.Helper()

	store, err := expertdb.Open(filepath.Join(t.TempDir(), "experts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutWallet(&expertdb.Wallet{
		Name:    "main",
		NWC:     "nostr+walletconnect://00?relay=wss%3A%2F%2Fr&secret=11",
		Default: true,
	}))

	sched, err := scheduler.New(scheduler.Config{
		Store: store,
		Clock: clk,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(sched.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { require.NoError(t, sched.Stop()) })

	return &harness{
		store: store,
		sched: sched,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *harness) addExpert(t *testing.T, pubkey, model string) {
	t.Helper()
	require.NoError(t, h.store.PutExpert(&expertdb.Expert{
		Pubkey: pubkey,
		Model:  model,
		Wallet: "main",
	}))
}

// recordingFactory builds runners that remember the config they were
// started with.
type recordingFactory struct {
	mu      sync.Mutex
	started []string
	active  map[string]*expertdb.Expert
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{active: make(map[string]*expertdb.Expert)}
}

func (f *recordingFactory) make(expert *expertdb.Expert,
	_ string) (worker.Runner, error) {

	return &recordedRunner{factory: f, expert: expert}, nil
}

func (f *recordingFactory) startOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *recordingFactory) activeModel(pubkey string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.active[pubkey]; ok {
		return e.Model
	}
	return ""
}

type recordedRunner struct {
	factory *recordingFactory
	expert  *expertdb.Expert
}

func (r *recordedRunner) Start() error {
	r.factory.mu.Lock()
	defer r.factory.mu.Unlock()
	r.factory.started = append(r.factory.started, r.expert.Pubkey)
	r.factory.active[r.expert.Pubkey] = r.expert
	return nil
}

func (r *recordedRunner) Stop() error {
	r.factory.mu.Lock()
	defer r.factory.mu.Unlock()
	delete(r.factory.active, r.expert.Pubkey)
	return nil
}

func startWorker(t *testing.T, h *harness, id string,
	factory *recordingFactory, capacity int) *worker.Worker {

	t.Helper()
	w, err := worker.New(worker.Config{
		SchedulerURL: h.wsURL,
		Factory:      factory.make,
		WorkerID:     id,
		Capacity:     capacity,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	return w
}

func (h *harness) waitState(t *testing.T, pubkey, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, _, ok := h.sched.ExpertState(pubkey)
		return ok && got == state
	}, 5*time.Second, 20*time.Millisecond,
		"expert %v never reached %v", pubkey, state)
}

// TestWorkerLossReassignment kills a worker holding four experts and
// checks a replacement picks them all up in pubkey order.
func TestWorkerLossReassignment(t *testing.T) {
	h := newHarness(t, clock.NewDefaultClock())

	pubkeys := []string{"a1", "b2", "c3", "d4"}
	for _, pubkey := range pubkeys {
		h.addExpert(t, pubkey, "m1")
	}
	require.NoError(t, h.sched.Start())

	workerA := startWorker(t, h, "worker-a", newRecordingFactory(), 4)
	for _, pubkey := range pubkeys {
		h.waitState(t, pubkey, scheduler.StateStarted)
	}
	_, owner, _ := h.sched.ExpertState("a1")
	require.Equal(t, "worker-a", owner)

	// Connection close must requeue everything.
	require.NoError(t, workerA.Stop())
	for _, pubkey := range pubkeys {
		h.waitState(t, pubkey, scheduler.StateQueued)
	}

	factoryB := newRecordingFactory()
	workerB := startWorker(t, h, "worker-b", factoryB, 4)
	t.Cleanup(func() { workerB.Stop() })

	for _, pubkey := range pubkeys {
		h.waitState(t, pubkey, scheduler.StateStarted)
	}
	require.Equal(t, pubkeys, factoryB.startOrder())
}

// TestConfigRestart updates a running expert's model and checks the
// worker winds it down and brings it back under the new config.
func TestConfigRestart(t *testing.T) {
	h := newHarness(t, clock.NewDefaultClock())
	h.addExpert(t, "aa", "m1")
	require.NoError(t, h.sched.Start())

	factory := newRecordingFactory()
	w := startWorker(t, h, "worker-a", factory, 1)
	t.Cleanup(func() { w.Stop() })

	h.waitState(t, "aa", scheduler.StateStarted)
	require.Equal(t, "m1", factory.activeModel("aa"))

	updated, err := h.store.GetExpert("aa")
	require.NoError(t, err)
	updated.Model = "m2"
	require.NoError(t, h.sched.UpdateExpert(updated))

	// A prompt arriving after the restart must hit the new model.
	require.Eventually(t, func() bool {
		state, _, _ := h.sched.ExpertState("aa")
		return state == scheduler.StateStarted &&
			factory.activeModel("aa") == "m2"
	}, 5*time.Second, 20*time.Millisecond)
}

// rawWorker speaks the wire protocol directly so tests can misbehave in
// ways the real worker never would.
type rawWorker struct {
	t    *testing.T
	id   string
	conn *websocket.Conn
}

func dialRaw(t *testing.T, h *harness, id string) *rawWorker {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawWorker{t: t, id: id, conn: conn}
}

func (r *rawWorker) send(msg scheduler.Message) {
	msg.WorkerID = r.id
	require.NoError(r.t, r.conn.WriteJSON(msg))
}

func (r *rawWorker) recv(timeout time.Duration) scheduler.Message {
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(timeout)))
	var msg scheduler.Message
	require.NoError(r.t, r.conn.ReadJSON(&msg))
	return msg
}

// TestPendingJobTimeout has a worker sit on a job without starting it.
// The expert must return to queued and the worker must be benched until
// it re-announces.
func TestPendingJobTimeout(t *testing.T) {
	start := time.Now()
	clk := clock.NewTestClock(start)
	h := newHarness(t, clk)
	h.addExpert(t, "aa", "m1")
	require.NoError(t, h.sched.Start())

	w := dialRaw(t, h, "lazy")
	w.send(scheduler.Message{Type: scheduler.TypeNeedJob})
	job := w.recv(2 * time.Second)
	require.Equal(t, scheduler.TypeJob, job.Type)
	require.Equal(t, "aa", job.ExpertPubkey)
	require.NotEmpty(t, job.NWC)

	// Never send started; fire the pending-job timer instead.
	clk.SetTime(start.Add(scheduler.DefaultPendingJobTimeout + time.Second))
	h.waitState(t, "aa", scheduler.StateQueued)

	// Benched: asking again yields no work.
	w.send(scheduler.Message{Type: scheduler.TypeNeedJob})
	require.Equal(t, scheduler.TypeNoJob, w.recv(2*time.Second).Type)

	// A fresh announcement restores eligibility.
	w.send(scheduler.Message{Type: scheduler.TypeExperts})
	w.send(scheduler.Message{Type: scheduler.TypeNeedJob})
	require.Equal(t, scheduler.TypeJob, w.recv(2*time.Second).Type)
}

// TestAdoption reconnects a worker that is already running an expert;
// the scheduler must take its word instead of restarting it. A claim
// for an unknown expert is answered with a stop.
func TestAdoption(t *testing.T) {
	h := newHarness(t, clock.NewDefaultClock())
	h.addExpert(t, "aa", "m1")
	require.NoError(t, h.sched.Start())

	w := dialRaw(t, h, "survivor")
	w.send(scheduler.Message{
		Type:    scheduler.TypeExperts,
		Experts: []string{"aa", "ghost"},
	})

	h.waitState(t, "aa", scheduler.StateStarted)
	_, owner, _ := h.sched.ExpertState("aa")
	require.Equal(t, "survivor", owner)

	stop := w.recv(2 * time.Second)
	require.Equal(t, scheduler.TypeStop, stop.Type)
	require.Equal(t, "ghost", stop.ExpertPubkey)
}

// TestRestartBufferedWhileStopping updates an expert twice in quick
// succession; the second update must be buffered during the wind-down
// and applied right after stopped.
func TestRestartBufferedWhileStopping(t *testing.T) {
	h := newHarness(t, clock.NewDefaultClock())
	h.addExpert(t, "aa", "m1")
	require.NoError(t, h.sched.Start())

	w := dialRaw(t, h, "steady")
	w.send(scheduler.Message{Type: scheduler.TypeNeedJob})
	job := w.recv(2 * time.Second)
	require.Equal(t, scheduler.TypeJob, job.Type)
	w.send(scheduler.Message{
		Type:         scheduler.TypeStarted,
		ExpertPubkey: "aa",
	})
	h.waitState(t, "aa", scheduler.StateStarted)

	update := func(model string) {
		e, err := h.store.GetExpert("aa")
		require.NoError(t, err)
		e.Model = model
		require.NoError(t, h.sched.UpdateExpert(e))
	}

	update("m2")
	restart := w.recv(2 * time.Second)
	require.Equal(t, scheduler.TypeRestart, restart.Type)
	require.Equal(t, "m2", restart.Expert.Model)

	// Second update lands while stopping: nothing on the wire yet.
	update("m3")
	h.waitState(t, "aa", scheduler.StateStopping)

	w.send(scheduler.Message{
		Type:         scheduler.TypeStopped,
		ExpertPubkey: "aa",
	})
	buffered := w.recv(2 * time.Second)
	require.Equal(t, scheduler.TypeRestart, buffered.Type)
	require.Equal(t, "m3", buffered.Expert.Model)

	w.send(scheduler.Message{
		Type:         scheduler.TypeStarted,
		ExpertPubkey: "aa",
	})
	h.waitState(t, "aa", scheduler.StateStarted)
}

// TestUnknownMessageIgnored sends a message type from the future; the
// connection must stay healthy.
func TestUnknownMessageIgnored(t *testing.T) {
	h := newHarness(t, clock.NewDefaultClock())
	h.addExpert(t, "aa", "m1")
	require.NoError(t, h.sched.Start())

	w := dialRaw(t, h, "modern")
	w.send(scheduler.Message{Type: "telemetry_v9"})
	w.send(scheduler.Message{Type: scheduler.TypeNeedJob})
	require.Equal(t, scheduler.TypeJob, w.recv(2*time.Second).Type)
}
