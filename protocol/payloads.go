package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrWrongKind is returned when an event of an unexpected kind is fed
	// to a parser.
	ErrWrongKind = errors.New("protocol: unexpected event kind")

	// ErrBadPayload is returned when a decrypted payload does not parse
	// or fails internal validation.
	ErrBadPayload = errors.New("protocol: malformed payload")
)

// Ask is the public discovery request. The author is a session key; nothing
// in the event identifies the human user.
type Ask struct {
	ID         string
	SessionPub string
	Summary    string
	Hashtags   []string
	Formats    []Format
	Methods    []Method
	Stream     bool
	Relays     []string
}

// BuildAsk signs an Ask event with the session private key. The relay list
// names the discovery relays the client listens on for bids.
func BuildAsk(sessionPriv string, a *Ask) (*nostr.Event, error) {
	tags := make(nostr.Tags, 0, len(a.Hashtags)+len(a.Formats)+
		len(a.Methods)+len(a.Relays)+1)
	for _, h := range a.Hashtags {
		tags = append(tags, nostr.Tag{TagHashtag, h})
	}
	for _, f := range a.Formats {
		tags = append(tags, nostr.Tag{TagFormat, string(f)})
	}
	for _, m := range a.Methods {
		tags = append(tags, nostr.Tag{TagMethod, string(m)})
	}
	for _, r := range a.Relays {
		tags = append(tags, nostr.Tag{TagRelay, r})
	}
	tags = append(tags, nostr.Tag{TagStream, strconv.FormatBool(a.Stream)})

	return CreateEvent(KindAsk, a.Summary, tags, sessionPriv)
}

// ParseAsk extracts an Ask from a validated event.
func ParseAsk(ev *nostr.Event) (*Ask, error) {
	if ev.Kind != KindAsk {
		return nil, ErrWrongKind
	}
	a := &Ask{
		ID:         ev.ID,
		SessionPub: ev.PubKey,
		Summary:    ev.Content,
		Hashtags:   tagValues(ev, TagHashtag),
		Relays:     tagValues(ev, TagRelay),
		Stream:     firstTagValue(ev, TagStream) == "true",
	}
	for _, f := range tagValues(ev, TagFormat) {
		a.Formats = append(a.Formats, Format(f))
	}
	for _, m := range tagValues(ev, TagMethod) {
		a.Methods = append(a.Methods, Method(m))
	}
	return a, nil
}

// BidPayload is the inner, expert-signed half of a bid. It reaches relays
// only as ciphertext inside the outer bid envelope.
type BidPayload struct {
	Offer        string   `json:"offer"`
	PromptRelays []string `json:"relays"`
	Formats      []Format `json:"formats"`
	Methods      []Method `json:"methods"`
	Stream       bool     `json:"stream"`
}

// Bid is a fully unwrapped bid: the outer envelope id plus the authenticated
// inner payload and the expert identity recovered from the inner signature.
type Bid struct {
	ID           string
	AskID        string
	ExpertPubkey string
	Payload      BidPayload
}

// BuildBid produces the outer bid event for an ask. The inner payload event
// is signed with the expert's stable key, serialized, encrypted to the
// session key, and wrapped in an envelope authored by a throwaway key so
// that third parties cannot link the bid to the expert.
func BuildBid(expertPriv, sessionPub, askID string,
	p *BidPayload) (*nostr.Event, error) {

	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	inner, err := CreateEvent(KindBidPayload, string(body), nostr.Tags{
		nostr.Tag{TagEvent, askID},
	}, expertPriv)
	if err != nil {
		return nil, err
	}
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}

	wrapPriv, _, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(string(innerJSON), sessionPub, wrapPriv)
	if err != nil {
		return nil, err
	}
	return CreateEvent(KindBid, ct, nostr.Tags{
		nostr.Tag{TagEvent, askID},
		nostr.Tag{TagRecipient, sessionPub},
	}, wrapPriv)
}

// ParseBid unwraps an outer bid with the session private key. The inner
// event's signature authenticates the expert; a bid whose inner event does
// not verify is rejected.
func ParseBid(ev *nostr.Event, sessionPriv string) (*Bid, error) {
	if ev.Kind != KindBid {
		return nil, ErrWrongKind
	}
	plain, err := Decrypt(ev.Content, ev.PubKey, sessionPriv)
	if err != nil {
		return nil, err
	}
	var inner nostr.Event
	if err := json.Unmarshal([]byte(plain), &inner); err != nil {
		return nil, fmt.Errorf("%w: inner event: %v", ErrBadPayload, err)
	}
	if inner.Kind != KindBidPayload || !ValidateEvent(&inner) {
		return nil, fmt.Errorf("%w: inner event failed validation",
			ErrBadPayload)
	}
	var payload BidPayload
	if err := json.Unmarshal([]byte(inner.Content), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &Bid{
		ID:           ev.ID,
		AskID:        firstTagValue(ev, TagEvent),
		ExpertPubkey: inner.PubKey,
		Payload:      payload,
	}, nil
}

// ChatMessage is one entry of a chat-formatted prompt.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptPayload is the decrypted content of a prompt event. Exactly one of
// Text or Messages is set, depending on Format.
type PromptPayload struct {
	Format   Format        `json:"format"`
	Text     string        `json:"text,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
}

// Prompt is a decrypted prompt together with its addressing context.
type Prompt struct {
	ID        string
	PromptPub string
	Payload   PromptPayload
}

// BuildPrompt encrypts a prompt to the expert under a fresh prompt key.
func BuildPrompt(promptPriv, expertPub string,
	p *PromptPayload) (*nostr.Event, error) {

	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(string(body), expertPub, promptPriv)
	if err != nil {
		return nil, err
	}
	return CreateEvent(KindPrompt, ct, nostr.Tags{
		nostr.Tag{TagRecipient, expertPub},
	}, promptPriv)
}

// ParsePrompt decrypts a prompt event with the expert's private key.
func ParsePrompt(ev *nostr.Event, expertPriv string) (*Prompt, error) {
	if ev.Kind != KindPrompt {
		return nil, ErrWrongKind
	}
	plain, err := Decrypt(ev.Content, ev.PubKey, expertPriv)
	if err != nil {
		return nil, err
	}
	var payload PromptPayload
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &Prompt{
		ID:        ev.ID,
		PromptPub: ev.PubKey,
		Payload:   payload,
	}, nil
}

// Invoice is one payment option inside a quote.
type Invoice struct {
	Method      Method `json:"method"`
	Unit        string `json:"unit"`
	Amount      uint64 `json:"amount"`
	Invoice     string `json:"invoice,omitempty"`
	PaymentHash string `json:"payment_hash,omitempty"`
}

// QuotePayload is the decrypted content of a quote event. A non-empty Error
// means the expert declined to quote.
type QuotePayload struct {
	Invoices []Invoice `json:"invoices,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Quote is a decrypted quote bound to the prompt it answers.
type Quote struct {
	ID           string
	PromptID     string
	ExpertPubkey string
	Payload      QuotePayload
}

// BuildQuote encrypts a quote to the prompt key, referencing the prompt.
func BuildQuote(expertPriv, promptPub, promptID string,
	q *QuotePayload) (*nostr.Event, error) {

	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(string(body), promptPub, expertPriv)
	if err != nil {
		return nil, err
	}
	return CreateEvent(KindQuote, ct, nostr.Tags{
		nostr.Tag{TagEvent, promptID},
		nostr.Tag{TagRecipient, promptPub},
	}, expertPriv)
}

// ParseQuote decrypts a quote with the prompt private key.
func ParseQuote(ev *nostr.Event, promptPriv string) (*Quote, error) {
	if ev.Kind != KindQuote {
		return nil, ErrWrongKind
	}
	plain, err := Decrypt(ev.Content, ev.PubKey, promptPriv)
	if err != nil {
		return nil, err
	}
	var payload QuotePayload
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &Quote{
		ID:           ev.ID,
		PromptID:     firstTagValue(ev, TagEvent),
		ExpertPubkey: ev.PubKey,
		Payload:      payload,
	}, nil
}

// ProofPayload is the decrypted content of a proof event.
type ProofPayload struct {
	Method   Method `json:"method"`
	Preimage string `json:"preimage"`
}

// Proof is a decrypted proof bound to its prompt.
type Proof struct {
	ID       string
	PromptID string
	Payload  ProofPayload
}

// BuildProof encrypts a payment proof to the expert under the prompt key.
func BuildProof(promptPriv, expertPub, promptID string,
	p *ProofPayload) (*nostr.Event, error) {

	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(string(body), expertPub, promptPriv)
	if err != nil {
		return nil, err
	}
	return CreateEvent(KindProof, ct, nostr.Tags{
		nostr.Tag{TagEvent, promptID},
		nostr.Tag{TagRecipient, expertPub},
	}, promptPriv)
}

// ParseProof decrypts a proof event with the expert's private key. Only
// proofs authored by the prompt key should be accepted; the caller enforces
// that by filtering on the author.
func ParseProof(ev *nostr.Event, expertPriv string) (*Proof, error) {
	if ev.Kind != KindProof {
		return nil, ErrWrongKind
	}
	plain, err := Decrypt(ev.Content, ev.PubKey, expertPriv)
	if err != nil {
		return nil, err
	}
	var payload ProofPayload
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &Proof{
		ID:       ev.ID,
		PromptID: firstTagValue(ev, TagEvent),
		Payload:  payload,
	}, nil
}

// ReplyPayload is one decrypted answer chunk. Chunks of one logical answer
// carry contiguous indices starting at zero, with exactly one terminal chunk
// (Done or Error set).
type ReplyPayload struct {
	Index   int    `json:"index"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
	Format  Format `json:"format,omitempty"`
	Content string `json:"content,omitempty"`
}

// Reply is a decrypted reply chunk bound to its prompt.
type Reply struct {
	ID       string
	PromptID string
	Payload  ReplyPayload
}

// BuildReply encrypts an answer chunk to the prompt key.
func BuildReply(expertPriv, promptPub, promptID string,
	r *ReplyPayload) (*nostr.Event, error) {

	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(string(body), promptPub, expertPriv)
	if err != nil {
		return nil, err
	}
	return CreateEvent(KindReply, ct, nostr.Tags{
		nostr.Tag{TagEvent, promptID},
		nostr.Tag{TagRecipient, promptPub},
	}, expertPriv)
}

// ParseReply decrypts a reply chunk with the prompt private key.
func ParseReply(ev *nostr.Event, promptPriv string) (*Reply, error) {
	if ev.Kind != KindReply {
		return nil, ErrWrongKind
	}
	plain, err := Decrypt(ev.Content, ev.PubKey, promptPriv)
	if err != nil {
		return nil, err
	}
	var payload ReplyPayload
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &Reply{
		ID:       ev.ID,
		PromptID: firstTagValue(ev, TagEvent),
		Payload:  payload,
	}, nil
}

// Profile is the public metadata an expert republishes while running.
type Profile struct {
	Pubkey       string   `json:"-"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Picture      string   `json:"picture,omitempty"`
	Pricing      string   `json:"pricing,omitempty"`
	Hashtags     []string `json:"-"`
	PromptRelays []string `json:"-"`
	Formats      []Format `json:"-"`
	Methods      []Method `json:"-"`
	Stream       bool     `json:"-"`
}

// BuildProfile signs an expert profile event. Discovery attributes go into
// indexable tags; the human-readable metadata is the JSON content.
func BuildProfile(expertPriv string, p *Profile) (*nostr.Event, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	tags := nostr.Tags{}
	for _, h := range p.Hashtags {
		tags = append(tags, nostr.Tag{TagHashtag, h})
	}
	for _, r := range p.PromptRelays {
		tags = append(tags, nostr.Tag{TagRelay, r})
	}
	for _, f := range p.Formats {
		tags = append(tags, nostr.Tag{TagFormat, string(f)})
	}
	for _, m := range p.Methods {
		tags = append(tags, nostr.Tag{TagMethod, string(m)})
	}
	tags = append(tags, nostr.Tag{TagStream, strconv.FormatBool(p.Stream)})

	return CreateEvent(KindExpertProfile, string(body), tags, expertPriv)
}

// ParseProfile extracts a profile from a validated event.
func ParseProfile(ev *nostr.Event) (*Profile, error) {
	if ev.Kind != KindExpertProfile {
		return nil, ErrWrongKind
	}
	var p Profile
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	p.Pubkey = ev.PubKey
	p.Hashtags = tagValues(ev, TagHashtag)
	p.PromptRelays = tagValues(ev, TagRelay)
	for _, f := range tagValues(ev, TagFormat) {
		p.Formats = append(p.Formats, Format(f))
	}
	for _, m := range tagValues(ev, TagMethod) {
		p.Methods = append(p.Methods, Method(m))
	}
	p.Stream = firstTagValue(ev, TagStream) == "true"
	return &p, nil
}
