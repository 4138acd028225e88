package expert

import (
	"context"
	"errors"
	"io"

	"github.com/askexperts/expertlib/protocol"
)

// ErrRefused is returned by refusing callbacks; the engine treats it as a
// deliberate decline rather than a failure.
var ErrRefused = errors.New("expert: refused")

// BidOffer is the expert's response to a matching ask.
type BidOffer struct {
	Offer string
}

// Price is the outcome of pricing a prompt.
type Price struct {
	AmountSats  uint64
	Description string
}

// ReplyChunk is one piece of an answer. Done marks the terminal chunk.
type ReplyChunk struct {
	Content string
	Done    bool
}

// AnswerStream yields answer chunks lazily. Next returns io.EOF after the
// final chunk. Streams are finite and non-restartable.
type AnswerStream interface {
	Next(ctx context.Context) (*ReplyChunk, error)
}

// Callbacks is the pluggable answer generator driving an expert. Returning
// (nil, nil) from OnAsk ignores the ask without error.
type Callbacks interface {
	// OnAsk decides whether to bid on a discovery ask.
	OnAsk(ctx context.Context, ask *protocol.Ask) (*BidOffer, error)

	// OnPromptPrice prices an incoming prompt before quoting.
	OnPromptPrice(ctx context.Context, prompt *protocol.Prompt) (*Price, error)

	// OnPromptPaid produces the answer once payment is verified.
	OnPromptPaid(ctx context.Context,
		prompt *protocol.Prompt) (AnswerStream, error)
}

// RefuseAll is the default-refuse sentinel: it never bids and declines every
// prompt. Embedding it lets an implementation override only the hooks it
// cares about.
type RefuseAll struct{}

// OnAsk ignores every ask.
func (RefuseAll) OnAsk(context.Context, *protocol.Ask) (*BidOffer, error) {
	return nil, nil
}

// OnPromptPrice declines every prompt.
func (RefuseAll) OnPromptPrice(context.Context, *protocol.Prompt) (*Price, error) {
	return nil, ErrRefused
}

// OnPromptPaid declines every prompt.
func (RefuseAll) OnPromptPaid(context.Context, *protocol.Prompt) (AnswerStream, error) {
	return nil, ErrRefused
}

type singleAnswer struct {
	content string
	sent    bool
}

// SingleAnswer wraps a complete answer string as a one-chunk stream.
func SingleAnswer(content string) AnswerStream {
	return &singleAnswer{content: content}
}

func (s *singleAnswer) Next(context.Context) (*ReplyChunk, error) {
	if s.sent {
		return nil, io.EOF
	}
	s.sent = true
	return &ReplyChunk{Content: s.content, Done: true}, nil
}

type sliceStream struct {
	chunks []string
	next   int
}

// ChunkedAnswer wraps a pre-split answer as a stream, marking the last chunk
// terminal.
func ChunkedAnswer(chunks ...string) AnswerStream {
	return &sliceStream{chunks: chunks}
}

func (s *sliceStream) Next(context.Context) (*ReplyChunk, error) {
	if s.next >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := &ReplyChunk{
		Content: s.chunks[s.next],
		Done:    s.next == len(s.chunks)-1,
	}
	s.next++
	return chunk, nil
}
