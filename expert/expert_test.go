package expert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/askexperts/expertlib/payments"
	"github.com/askexperts/expertlib/protocol"
	"github.com/askexperts/expertlib/relaypool"
)

func newTestExpert(t *testing.T, retention time.Duration) *Expert {
	t.Helper()
	priv, _, err := protocol.GenerateKey()
	require.NoError(t, err)
	wallet, err := payments.NewMockWallet(nil)
	require.NoError(t, err)

	x, err := New(Config{
		PrivKey: priv,
		Pool:    relaypool.NewMemPool(),
		Payments: payments.NewCoordinator(payments.Config{
			Wallet: wallet,
			Net:    wallet.Net(),
		}),
		PhaseRetention: retention,
	})
	require.NoError(t, err)
	return x
}

// TestTerminalPhaseEviction checks that finished prompts fall out of the
// phase table after the retention window while live ones stay.
func TestTerminalPhaseEviction(t *testing.T) {
	x := newTestExpert(t, 25*time.Millisecond)

	x.setPhase("done-prompt", PhaseAnswering)
	x.setPhase("done-prompt", PhaseDone)
	x.setPhase("failed-prompt", PhaseError)
	x.setPhase("live-prompt", PhaseAwaitingProof)

	require.Eventually(t, func() bool {
		_, doneOK := x.PromptPhase("done-prompt")
		_, failedOK := x.PromptPhase("failed-prompt")
		return !doneOK && !failedOK
	}, time.Second, 10*time.Millisecond)

	phase, ok := x.PromptPhase("live-prompt")
	require.True(t, ok)
	require.Equal(t, PhaseAwaitingProof, phase)
	require.Equal(t, []string{"live-prompt"}, x.PromptIDs())
}

// TestDroppedPromptGuardEviction checks that the duplicate-suppression
// entry left behind by a silently dropped prompt is evicted too.
func TestDroppedPromptGuardEviction(t *testing.T) {
	x := newTestExpert(t, 25*time.Millisecond)

	x.setPhase("garbled-prompt", PhaseReceived)
	x.evictPhaseLater("garbled-prompt")

	require.Eventually(t, func() bool {
		_, ok := x.PromptPhase("garbled-prompt")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
