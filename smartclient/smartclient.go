// Package smartclient layers budgeted fan-out on top of the protocol
// client: it turns a natural-language question into an anonymized ask,
// picks the most promising bids with an LLM, and pays up to a budget for
// answers from several experts at once.
package smartclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/askexperts/expertlib/client"
	"github.com/askexperts/expertlib/protocol"
)

// ErrBudgetExceeded marks an expert whose quote did not fit its share of
// the budget. The expert is skipped; others still run.
var ErrBudgetExceeded = errors.New("smartclient: quote exceeds budget")

// DefaultMaxExperts caps how many experts one question fans out to.
const DefaultMaxExperts = 3

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatCompleter abstracts the LLM used for summary synthesis and bid
// scoring. Implementations typically wrap an OpenAI-compatible API.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// Config groups the smart client dependencies.
type Config struct {
	Client *client.Client
	LLM    ChatCompleter

	// MaxExperts overrides DefaultMaxExperts.
	MaxExperts int
}

// SmartClient orchestrates discovery, selection and paid fan-out.
type SmartClient struct {
	cfg Config
}

// New validates the config and returns a smart client.
func New(cfg Config) (*SmartClient, error) {
	if cfg.Client == nil {
		return nil, errors.New("smartclient: client required")
	}
	if cfg.LLM == nil {
		return nil, errors.New("smartclient: chat completer required")
	}
	if cfg.MaxExperts == 0 {
		cfg.MaxExperts = DefaultMaxExperts
	}
	return &SmartClient{cfg: cfg}, nil
}

// AskParams describe one budgeted question.
type AskParams struct {
	// Question is the user's full, private question.
	Question string

	// BudgetSats bounds the total spend across all selected experts.
	BudgetSats uint64

	// Relays is the discovery relay set.
	Relays []string

	// MaxExperts overrides the config cap for this call.
	MaxExperts int
}

// Answer is the per-expert outcome of a fan-out. Exactly one of Content
// or Err is meaningful; partial success across the batch is the norm.
type Answer struct {
	ExpertPubkey string
	Content      string
	AmountPaid   uint64
	Err          error
}

// Ask runs the full pipeline: synthesize a public summary, discover
// bids, select up to MaxExperts, and ask each under a per-expert budget
// share. The returned slice has one entry per selected expert.
func (s *SmartClient) Ask(ctx context.Context, p AskParams) ([]Answer, error) {
	if p.Question == "" {
		return nil, errors.New("smartclient: question required")
	}
	if p.BudgetSats == 0 {
		return nil, errors.New("smartclient: budget required")
	}

	summary, hashtags, err := s.synthesize(ctx, p.Question)
	if err != nil {
		return nil, fmt.Errorf("smartclient: synthesize: %w", err)
	}
	log.Debugf("asking as %q with hashtags %v", summary, hashtags)

	bids, err := s.cfg.Client.FindExperts(ctx, client.FindExpertsParams{
		Summary:  summary,
		Hashtags: hashtags,
		Relays:   p.Relays,
	})
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return nil, nil
	}

	maxExperts := p.MaxExperts
	if maxExperts <= 0 {
		maxExperts = s.cfg.MaxExperts
	}
	selected := s.selectBids(ctx, p.Question, bids, maxExperts)
	perExpertBudget := p.BudgetSats / uint64(len(selected))

	answers := make([]Answer, len(selected))
	var g errgroup.Group
	for i, bid := range selected {
		i, bid := i, bid
		g.Go(func() error {
			answers[i] = s.askOne(ctx, bid, p.Question,
				perExpertBudget)
			return nil
		})
	}
	g.Wait()
	return answers, nil
}

// askOne runs the paid flow against a single expert with a budget gate
// at quote time.
func (s *SmartClient) askOne(ctx context.Context, bid *protocol.Bid,
	question string, budgetSats uint64) Answer {

	answer := Answer{ExpertPubkey: bid.ExpertPubkey}

	overBudget := false
	replies, err := s.cfg.Client.AskExpert(ctx, client.AskExpertParams{
		Bid: bid,
		Payload: protocol.PromptPayload{
			Format: protocol.FormatText,
			Text:   question,
		},
		OnQuote: func(_ context.Context,
			quote *protocol.Quote) (bool, error) {

			for _, inv := range quote.Payload.Invoices {
				if inv.Method != protocol.MethodLightning {
					continue
				}
				if inv.Amount <= budgetSats {
					return true, nil
				}
			}
			overBudget = true
			return false, nil
		},
	})
	if err != nil {
		if overBudget && errors.Is(err, client.ErrQuoteRejected) {
			err = ErrBudgetExceeded
		}
		answer.Err = err
		return answer
	}
	defer replies.Close()

	content, err := replies.Collect(ctx)
	if err != nil {
		answer.Err = err
		return answer
	}
	answer.Content = content
	answer.AmountPaid = replies.AmountPaid
	return answer
}

const synthesizePrompt = `You anonymize questions for a public expert
marketplace. Given the user's question, produce a short public summary
that does not leak private details, and up to five lowercase discovery
hashtags. Respond with JSON only: {"summary": "...", "hashtags": ["..."]}.`

// synthesize asks the LLM for a public summary and hashtags.
func (s *SmartClient) synthesize(ctx context.Context,
	question string) (string, []string, error) {

	raw, err := s.cfg.LLM.Complete(ctx, []ChatMessage{
		{Role: "system", Content: synthesizePrompt},
		{Role: "user", Content: question},
	})
	if err != nil {
		return "", nil, err
	}

	var out struct {
		Summary  string   `json:"summary"`
		Hashtags []string `json:"hashtags"`
	}
	if err := json.Unmarshal(extractJSON(raw), &out); err != nil {
		return "", nil, fmt.Errorf("bad synthesis response: %w", err)
	}
	if out.Summary == "" || len(out.Hashtags) == 0 {
		return "", nil, errors.New("empty synthesis response")
	}
	return out.Summary, out.Hashtags, nil
}

const selectPrompt = `You rank bids from experts offering to answer a
question. Given the question and a numbered list of offers, pick the
offers most likely to produce a good answer. Respond with JSON only:
{"selected": [<index>, ...]}.`

// selectBids asks the LLM to score the bids and returns up to maxExperts
// of them. An unusable LLM response degrades to taking the first bids in
// arrival order.
func (s *SmartClient) selectBids(ctx context.Context, question string,
	bids []*protocol.Bid, maxExperts int) []*protocol.Bid {

	if len(bids) <= maxExperts {
		return bids
	}

	var listing strings.Builder
	fmt.Fprintf(&listing, "Question: %s\n\nOffers:\n", question)
	for i, bid := range bids {
		fmt.Fprintf(&listing, "%d: %s\n", i, bid.Payload.Offer)
	}

	raw, err := s.cfg.LLM.Complete(ctx, []ChatMessage{
		{Role: "system", Content: selectPrompt},
		{Role: "user", Content: listing.String()},
	})
	if err != nil {
		log.Warnf("bid scoring failed, taking first %d: %v",
			maxExperts, err)
		return bids[:maxExperts]
	}

	var out struct {
		Selected []int `json:"selected"`
	}
	if err := json.Unmarshal(extractJSON(raw), &out); err != nil ||
		len(out.Selected) == 0 {

		log.Warnf("unusable bid scoring response, taking first %d",
			maxExperts)
		return bids[:maxExperts]
	}

	var (
		selected []*protocol.Bid
		seen     = make(map[int]struct{})
	)
	for _, idx := range out.Selected {
		if idx < 0 || idx >= len(bids) {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		selected = append(selected, bids[idx])
		if len(selected) == maxExperts {
			break
		}
	}
	if len(selected) == 0 {
		return bids[:maxExperts]
	}
	return selected
}

// extractJSON tolerates models that wrap their JSON in code fences or
// prose.
func extractJSON(raw string) []byte {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return []byte(raw)
	}
	return []byte(raw[start : end+1])
}
