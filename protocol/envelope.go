package protocol

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// ErrDecrypt is returned when an encrypted payload fails authentication.
// Events that fail to decrypt are dropped by the engine, never surfaced.
var ErrDecrypt = errors.New("protocol: payload decryption failed")

// GenerateKey returns a fresh (private, public) key pair in hex. Session and
// prompt keys are generated with this and discarded when their session ends.
func GenerateKey() (privKey, pubKey string, err error) {
	privKey = nostr.GeneratePrivateKey()
	pubKey, err = nostr.GetPublicKey(privKey)
	if err != nil {
		return "", "", fmt.Errorf("protocol: derive pubkey: %w", err)
	}
	return privKey, pubKey, nil
}

// CreateEvent assembles, timestamps and signs an event. Tag order is
// preserved as given.
func CreateEvent(kind int, content string, tags nostr.Tags,
	privKey string) (*nostr.Event, error) {

	ev := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(privKey); err != nil {
		return nil, fmt.Errorf("protocol: sign event: %w", err)
	}
	return ev, nil
}

// ValidateEvent checks structural validity: the id must match the canonical
// serialization and the signature must verify against the author key.
func ValidateEvent(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	if ev.GetID() != ev.ID {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

// Encrypt seals plaintext for recipientPub using an authenticated
// conversation key derived from (senderPriv, recipientPub).
func Encrypt(plaintext, recipientPub, senderPriv string) (string, error) {
	ck, err := nip44.GenerateConversationKey(recipientPub, senderPriv)
	if err != nil {
		return "", fmt.Errorf("protocol: conversation key: %w", err)
	}
	ct, err := nip44.Encrypt(plaintext, ck)
	if err != nil {
		return "", fmt.Errorf("protocol: encrypt: %w", err)
	}
	return ct, nil
}

// Decrypt opens a ciphertext produced by Encrypt on the other side of the
// conversation. Returns ErrDecrypt on any authentication failure.
func Decrypt(ciphertext, senderPub, recipientPriv string) (string, error) {
	ck, err := nip44.GenerateConversationKey(senderPub, recipientPriv)
	if err != nil {
		return "", ErrDecrypt
	}
	pt, err := nip44.Decrypt(ciphertext, ck)
	if err != nil {
		return "", ErrDecrypt
	}
	return pt, nil
}

// firstTagValue returns the first value of the named tag, or "".
func firstTagValue(ev *nostr.Event, name string) string {
	tag := ev.Tags.GetFirst([]string{name})
	if tag == nil {
		return ""
	}
	return tag.Value()
}

// tagValues collects every value of the named tag in insertion order.
func tagValues(ev *nostr.Event, name string) []string {
	var vals []string
	for _, tag := range ev.Tags.GetAll([]string{name}) {
		if len(tag) > 1 {
			vals = append(vals, tag[1])
		}
	}
	return vals
}
