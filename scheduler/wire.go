package scheduler

import "github.com/askexperts/expertlib/expertdb"

// Control-channel message types. Workers send the first four, the
// scheduler sends the rest. Both sides ignore types they do not know so
// the protocol can grow without breaking older peers.
const (
	// TypeExperts declares what a worker currently runs. Sent on connect
	// and whenever the worker wants the scheduler to resync.
	TypeExperts = "experts"

	// TypeNeedJob signals spare capacity on the worker.
	TypeNeedJob = "need_job"

	// TypeStarted confirms an expert is up on the worker.
	TypeStarted = "started"

	// TypeStopped confirms an expert is down, voluntarily or not.
	TypeStopped = "stopped"

	// TypeJob assigns an expert, carrying its full config snapshot.
	TypeJob = "job"

	// TypeNoJob tells a worker to idle but keep the connection.
	TypeNoJob = "no_job"

	// TypeStop asks the worker to wind an expert down.
	TypeStop = "stop"

	// TypeRestart asks the worker to wind an expert down and bring it
	// back with the attached config snapshot.
	TypeRestart = "restart"
)

// Message is the JSON envelope exchanged over the worker WebSocket.
// Fields are populated per type; unused fields are omitted.
type Message struct {
	Type         string           `json:"type"`
	WorkerID     string           `json:"worker_id,omitempty"`
	ExpertPubkey string           `json:"expert_pubkey,omitempty"`
	Experts      []string         `json:"experts,omitempty"`
	Expert       *expertdb.Expert `json:"expert,omitempty"`
	NWC          string           `json:"nwc,omitempty"`
}
