package expertdb

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	expertBucket = []byte("experts")
	walletBucket = []byte("wallets")

	// ErrNotFound is returned for lookups of unknown experts or wallets.
	ErrNotFound = errors.New("expertdb: not found")

	// ErrNoDefaultWallet is returned when no wallet is marked default.
	ErrNoDefaultWallet = errors.New("expertdb: no default wallet")
)

// Expert is the stored configuration of one expert. The scheduler snapshots
// this record into job assignments; any change to it triggers a restart of
// the running instance.
type Expert struct {
	Pubkey          string    `json:"pubkey"`
	PrivKey         string    `json:"privkey"`
	Nickname        string    `json:"nickname"`
	Description     string    `json:"description"`
	Picture         string    `json:"picture,omitempty"`
	Model           string    `json:"model"`
	SystemPrompt    string    `json:"system_prompt"`
	Hashtags        []string  `json:"hashtags"`
	DiscoveryRelays []string  `json:"discovery_relays"`
	PromptRelays    []string  `json:"prompt_relays"`
	Formats         []string  `json:"formats"`
	Methods         []string  `json:"methods"`
	Stream          bool      `json:"stream"`
	Wallet          string    `json:"wallet"`
	PriceBaseSats   uint64    `json:"price_base_sats"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Wallet is a named wallet binding, stored as a wallet connect string.
type Wallet struct {
	Name    string `json:"name"`
	NWC     string `json:"nwc"`
	Default bool   `json:"default"`
}

// Store is the persistence interface the scheduler and CLI layers depend
// on. DB is the embedded implementation; a remote HTTP client can stand in
// behind the same interface.
type Store interface {
	GetExpert(pubkey string) (*Expert, error)
	PutExpert(expert *Expert) error
	DeleteExpert(pubkey string) error
	ListExperts() ([]*Expert, error)

	GetWallet(name string) (*Wallet, error)
	PutWallet(wallet *Wallet) error
	ListWallets() ([]*Wallet, error)
	DefaultWallet() (*Wallet, error)

	Close() error
}

// DB is a bbolt-backed Store.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database file.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(expertBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(walletBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close releases the underlying file.
func (d *DB) Close() error {
	return d.db.Close()
}

// GetExpert implements Store.
func (d *DB) GetExpert(pubkey string) (*Expert, error) {
	var expert *Expert
	err := d.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(expertBucket).Get([]byte(pubkey))
		if value == nil {
			return ErrNotFound
		}
		expert = &Expert{}
		return json.Unmarshal(value, expert)
	})
	if err != nil {
		return nil, err
	}
	return expert, nil
}

// PutExpert implements Store.
func (d *DB) PutExpert(expert *Expert) error {
	if expert.Pubkey == "" {
		return errors.New("expertdb: expert pubkey required")
	}
	expert.UpdatedAt = time.Now()
	value, err := json.Marshal(expert)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(expertBucket).Put([]byte(expert.Pubkey), value)
	})
}

// DeleteExpert implements Store.
func (d *DB) DeleteExpert(pubkey string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(expertBucket).Delete([]byte(pubkey))
	})
}

// ListExperts implements Store. Results come back in key order, which is
// pubkey ascending: the scheduler relies on this for deterministic
// assignment scans.
func (d *DB) ListExperts() ([]*Expert, error) {
	var experts []*Expert
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(expertBucket).ForEach(func(_, value []byte) error {
			expert := &Expert{}
			if err := json.Unmarshal(value, expert); err != nil {
				return err
			}
			experts = append(experts, expert)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return experts, nil
}

// GetWallet implements Store.
func (d *DB) GetWallet(name string) (*Wallet, error) {
	var wallet *Wallet
	err := d.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(walletBucket).Get([]byte(name))
		if value == nil {
			return ErrNotFound
		}
		wallet = &Wallet{}
		return json.Unmarshal(value, wallet)
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// PutWallet implements Store. Marking a wallet default clears the flag on
// every other wallet in the same transaction.
func (d *DB) PutWallet(wallet *Wallet) error {
	if wallet.Name == "" {
		return errors.New("expertdb: wallet name required")
	}
	value, err := json.Marshal(wallet)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(walletBucket)
		if wallet.Default {
			// Writes during a bucket cursor walk are not allowed, so
			// collect the wallets to demote first and clear their
			// flags afterwards, still inside this transaction.
			var demote []Wallet
			err := bucket.ForEach(func(_, existing []byte) error {
				var other Wallet
				if err := json.Unmarshal(existing, &other); err != nil {
					return err
				}
				if other.Default && other.Name != wallet.Name {
					demote = append(demote, other)
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, other := range demote {
				other.Default = false
				cleared, err := json.Marshal(&other)
				if err != nil {
					return err
				}
				err = bucket.Put([]byte(other.Name), cleared)
				if err != nil {
					return err
				}
			}
		}
		return bucket.Put([]byte(wallet.Name), value)
	})
}

// ListWallets implements Store.
func (d *DB) ListWallets() ([]*Wallet, error) {
	var wallets []*Wallet
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(walletBucket).ForEach(func(_, value []byte) error {
			wallet := &Wallet{}
			if err := json.Unmarshal(value, wallet); err != nil {
				return err
			}
			wallets = append(wallets, wallet)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return wallets, nil
}

// DefaultWallet implements Store.
func (d *DB) DefaultWallet() (*Wallet, error) {
	wallets, err := d.ListWallets()
	if err != nil {
		return nil, err
	}
	for _, wallet := range wallets {
		if wallet.Default {
			return wallet, nil
		}
	}
	return nil, ErrNoDefaultWallet
}
