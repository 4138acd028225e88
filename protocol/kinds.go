package protocol

// Event kinds of the expert marketplace protocol. These values are consumed
// by the existing public network and must never change.
const (
	// KindAsk is the public discovery event published by a client session
	// key. Content is a short anonymized summary of the question.
	KindAsk = 20174

	// KindBid is the outer bid envelope, authored by a throwaway key and
	// addressed to the asking session key. Its content is the encrypted
	// serialization of a signed KindBidPayload event.
	KindBid = 20175

	// KindBidPayload is the inner bid event, signed by the expert's
	// stable key. It never appears on relays in plaintext.
	KindBidPayload = 20176

	// KindPrompt carries the encrypted question, authored by a fresh
	// prompt key and addressed to the expert.
	KindPrompt = 20177

	// KindQuote carries the expert's invoices for a prompt, addressed to
	// the prompt key.
	KindQuote = 20178

	// KindProof carries a payment preimage, addressed to the expert.
	KindProof = 20179

	// KindReply carries an answer chunk, addressed to the prompt key.
	KindReply = 20180

	// KindExpertProfile is the long-lived public metadata event
	// republished by experts.
	KindExpertProfile = 10174
)

// Tag names used across protocol events.
const (
	// TagRecipient addresses an event to a pubkey ("p").
	TagRecipient = "p"

	// TagEvent references a prior event by id ("e").
	TagEvent = "e"

	// TagHashtag is a discovery hashtag ("t").
	TagHashtag = "t"

	// TagFormat advertises or requests a prompt format.
	TagFormat = "format"

	// TagMethod advertises or requests a payment method.
	TagMethod = "method"

	// TagStream advertises streamed replies ("true"/"false").
	TagStream = "stream"

	// TagRelay lists relay URLs (discovery relays on asks, prompt relays
	// on profiles).
	TagRelay = "relay"
)

// Format identifies how a prompt body is serialized. Unknown formats are
// carried verbatim so that the set can be extended without a protocol change;
// components that require specific semantics validate against the known set.
type Format string

const (
	// FormatText is a plain UTF-8 string prompt and reply.
	FormatText Format = "text"

	// FormatOpenAI is a chat-completion style message list.
	FormatOpenAI Format = "openai"
)

// Known reports whether f is one of the formats this implementation can
// interpret itself.
func (f Format) Known() bool {
	return f == FormatText || f == FormatOpenAI
}

// Method identifies a payment method carried in quotes and proofs.
type Method string

const (
	// MethodLightning pays a BOLT11 invoice, proven by its preimage.
	MethodLightning Method = "lightning"
)

// Known reports whether m is a payment method this implementation can settle.
func (m Method) Known() bool {
	return m == MethodLightning
}
