package daemon

import (
	"fmt"

	"github.com/askexperts/expertlib/expert"
	"github.com/askexperts/expertlib/expertdb"
	"github.com/askexperts/expertlib/payments"
	"github.com/askexperts/expertlib/protocol"
	"github.com/askexperts/expertlib/relaypool"
	"github.com/askexperts/expertlib/worker"
)

// CallbacksFactory builds the answer-generating callbacks for one expert
// config, typically wrapping an LLM bound to the record's model and
// system prompt.
type CallbacksFactory func(e *expertdb.Expert) (expert.Callbacks, error)

// NewRunnerFactory returns a worker runner factory that assembles a full
// expert runtime per job: its own relay pool, an NWC-backed payment
// coordinator and the expert state machine.
func NewRunnerFactory(callbacks CallbacksFactory) worker.RunnerFactory {
	return func(e *expertdb.Expert, nwc string) (worker.Runner, error) {
		if nwc == "" {
			return nil, fmt.Errorf("expert %v has no wallet "+
				"binding", e.Pubkey)
		}
		cb, err := callbacks(e)
		if err != nil {
			return nil, err
		}

		pool := relaypool.NewRelayPool()
		wallet, err := payments.NewNWCWallet(nwc, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		coord := payments.NewCoordinator(payments.Config{
			Wallet: wallet,
		})

		x, err := expert.New(expert.Config{
			PrivKey:   e.PrivKey,
			Pool:      pool,
			Payments:  coord,
			Callbacks: cb,
			Profile: protocol.Profile{
				Name:         e.Nickname,
				Description:  e.Description,
				Picture:      e.Picture,
				Hashtags:     e.Hashtags,
				PromptRelays: e.PromptRelays,
				Formats:      toFormats(e.Formats),
				Methods:      toMethods(e.Methods),
				Stream:       e.Stream,
			},
			DiscoveryRelays: e.DiscoveryRelays,
		})
		if err != nil {
			pool.Close()
			return nil, err
		}
		return &expertRunner{expert: x, pool: pool}, nil
	}
}

// expertRunner ties an expert runtime's lifetime to its relay pool.
type expertRunner struct {
	expert *expert.Expert
	pool   *relaypool.RelayPool
}

func (r *expertRunner) Start() error {
	return r.expert.Start()
}

func (r *expertRunner) Stop() error {
	err := r.expert.Stop()
	r.pool.Close()
	return err
}

func toFormats(raw []string) []protocol.Format {
	formats := make([]protocol.Format, 0, len(raw))
	for _, f := range raw {
		formats = append(formats, protocol.Format(f))
	}
	return formats
}

func toMethods(raw []string) []protocol.Method {
	methods := make([]protocol.Method, 0, len(raw))
	for _, m := range raw {
		methods = append(methods, protocol.Method(m))
	}
	return methods
}
