package expertdb

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "experts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestExpertRoundTrip(t *testing.T) {
	db := openTestDB(t)

	expert := &Expert{
		Pubkey:          "aa11",
		PrivKey:         "deadbeef",
		Nickname:        "satoshi",
		Model:           "gpt-4o",
		SystemPrompt:    "you are terse",
		Hashtags:        []string{"bitcoin"},
		DiscoveryRelays: []string{"wss://disc.one"},
		PromptRelays:    []string{"wss://prompts.one"},
		Formats:         []string{"text"},
		Methods:         []string{"lightning"},
		Wallet:          "main",
	}
	require.NoError(t, db.PutExpert(expert))
	require.False(t, expert.UpdatedAt.IsZero())

	got, err := db.GetExpert("aa11")
	require.NoError(t, err)
	require.Equal(t, "satoshi", got.Nickname)
	require.Equal(t, []string{"bitcoin"}, got.Hashtags)

	_, err = db.GetExpert("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.DeleteExpert("aa11"))
	_, err = db.GetExpert("aa11")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestListExpertsOrdered asserts pubkey-ascending iteration regardless of
// insertion order.
func TestListExpertsOrdered(t *testing.T) {
	db := openTestDB(t)

	for _, pubkey := range []string{"cc", "aa", "bb"} {
		require.NoError(t, db.PutExpert(&Expert{Pubkey: pubkey}))
	}

	experts, err := db.ListExperts()
	require.NoError(t, err)
	require.Len(t, experts, 3)
	require.Equal(t, "aa", experts[0].Pubkey)
	require.Equal(t, "bb", experts[1].Pubkey)
	require.Equal(t, "cc", experts[2].Pubkey)
}

func TestPutExpertRequiresPubkey(t *testing.T) {
	db := openTestDB(t)
	require.Error(t, db.PutExpert(&Expert{}))
}

func TestDefaultWalletExclusive(t *testing.T) {
	db := openTestDB(t)

	_, err := db.DefaultWallet()
	require.ErrorIs(t, err, ErrNoDefaultWallet)

	require.NoError(t, db.PutWallet(&Wallet{
		Name: "main", NWC: "nostr+walletconnect://aa", Default: true,
	}))
	require.NoError(t, db.PutWallet(&Wallet{
		Name: "spare", NWC: "nostr+walletconnect://bb",
	}))

	def, err := db.DefaultWallet()
	require.NoError(t, err)
	require.Equal(t, "main", def.Name)

	// Promoting spare demotes main in the same transaction.
	require.NoError(t, db.PutWallet(&Wallet{
		Name: "spare", NWC: "nostr+walletconnect://bb", Default: true,
	}))

	def, err = db.DefaultWallet()
	require.NoError(t, err)
	require.Equal(t, "spare", def.Name)

	main, err := db.GetWallet("main")
	require.NoError(t, err)
	require.False(t, main.Default)

	wallets, err := db.ListWallets()
	require.NoError(t, err)
	require.Len(t, wallets, 2)
}

// TestDefaultWalletDemotionManyWallets promotes every wallet in a large
// table in turn; exactly one default must survive each promotion.
func TestDefaultWalletDemotionManyWallets(t *testing.T) {
	db := openTestDB(t)

	pad := strings.Repeat("x", 512)
	for i := 0; i < 200; i++ {
		require.NoError(t, db.PutWallet(&Wallet{
			Name:    fmt.Sprintf("wallet-%03d", i),
			NWC:     "nostr+walletconnect://aa?pad=" + pad,
			Default: true,
		}))
	}

	countDefaults := func() (int, string) {
		wallets, err := db.ListWallets()
		require.NoError(t, err)
		require.Len(t, wallets, 200)
		var n int
		var name string
		for _, w := range wallets {
			if w.Default {
				n++
				name = w.Name
			}
		}
		return n, name
	}

	n, name := countDefaults()
	require.Equal(t, 1, n)
	require.Equal(t, "wallet-199", name)

	// Promote one from the middle of the key range.
	require.NoError(t, db.PutWallet(&Wallet{
		Name:    "wallet-100",
		NWC:     "nostr+walletconnect://aa?pad=" + pad,
		Default: true,
	}))
	n, name = countDefaults()
	require.Equal(t, 1, n)
	require.Equal(t, "wallet-100", name)
}
