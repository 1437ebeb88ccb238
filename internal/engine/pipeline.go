package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"llmd/internal/backend"
	"llmd/internal/conversation"
	"llmd/pkg/types"
)

// pipeState is the lifecycle of one request on a pipeline.
type pipeState string

const (
	pipeIdle       pipeState = "idle"
	pipePrefilling pipeState = "prefilling"
	pipeDecoding   pipeState = "decoding"
	pipeStopped    pipeState = "stopped"
	pipeUnloading  pipeState = "unloading"
)

// Pipeline is the stateful handle bound to one loaded model. It owns the
// accumulated decode state and the retained conversation, and sequences
// calls into the numerical backend. Most fields are confined to the holder
// of the per-model admission slot; mu guards the few that status snapshots,
// unload, and get-message read from other goroutines.
type Pipeline struct {
	modelID string
	be      backend.Backend
	tok     backend.Tokenizer
	tmpl    conversation.Template

	mu    sync.Mutex // guards state, consumed, and text
	state pipeState
	conv  *conversation.Conversation // retained history for state reuse

	// Per-request fields, reset at the start of each top-level request.
	cfg          resolved
	rng          *rand.Rand
	matcher      backend.GrammarMatcher
	promptTokens int
	consumed     int // total tokens in decode state
	generated    []int
	textTokens   []int // generated minus matched stop tokens
	text         string
	lastToken    int
	finish       string
	logprobs     []types.TokenLogprob

	prefillDur time.Duration
	decodeDur  time.Duration

	// Lifetime stats.
	statPrefillTokens int
	statDecodeTokens  int
	statPrefillSecs   float64
	statDecodeSecs    float64
}

func newPipeline(modelID string, be backend.Backend, tok backend.Tokenizer, tmpl conversation.Template) *Pipeline {
	return &Pipeline{modelID: modelID, be: be, tok: tok, tmpl: tmpl, state: pipeIdle}
}

func (p *Pipeline) setState(s pipeState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipeline) currentState() pipeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// contextTokens is the number of tokens held in decode state.
func (p *Pipeline) contextTokens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed
}

func (p *Pipeline) growConsumed(n int) {
	p.mu.Lock()
	p.consumed += n
	p.mu.Unlock()
}

func (p *Pipeline) setText(s string) {
	p.mu.Lock()
	p.text = s
	p.mu.Unlock()
}

// beginChat prepares the pipeline for a chat request. The last turn of conv
// is the new input; the preceding turns are the candidate history compared
// against the retained conversation to decide state reuse.
func (p *Pipeline) beginChat(ctx context.Context, conv *conversation.Conversation, cfg resolved, matcher backend.GrammarMatcher) error {
	if len(conv.Turns) == 0 {
		return ErrConfig("messages must contain at least one non-system turn")
	}
	last := conv.Turns[len(conv.Turns)-1]
	if last.Role == conversation.RoleAssistant {
		return ErrConfig("last message must not be from the assistant")
	}
	candidate := conv.Clone()
	candidate.Turns = candidate.Turns[:len(candidate.Turns)-1]

	reuse := p.conv != nil && len(candidate.Turns) > 0 && p.conv.Equal(candidate)
	candidate.Append(last)

	var prompt string
	if reuse {
		// Multi-round reuse: keep decode state, prefill only the new turn.
		prompt = p.tmpl.RenderTurn(last) + p.tmpl.AssistantPrompt
	} else {
		p.resetDecodeState()
		prompt = p.tmpl.Render(candidate)
	}
	// The retained history is committed only once prefill has consumed its
	// tokens; a failed prefill leaves nothing a later request could match
	// for state reuse.
	if err := p.prefill(ctx, prompt, cfg, matcher); err != nil {
		p.conv = nil
		return err
	}
	p.conv = candidate
	return nil
}

// beginCompletion prepares the pipeline for a raw-prompt request. Raw
// prompts always reset decode state and bypass role formatting.
func (p *Pipeline) beginCompletion(ctx context.Context, prompt string, cfg resolved) error {
	p.resetDecodeState()
	p.conv = nil
	return p.prefill(ctx, prompt, cfg, nil)
}

func (p *Pipeline) prefill(ctx context.Context, prompt string, cfg resolved, matcher backend.GrammarMatcher) error {
	p.beginRequest(cfg, matcher)
	p.setState(pipePrefilling)
	start := time.Now()
	tokens := p.tok.Encode(prompt)
	if p.contextTokens()+len(tokens) >= p.be.ContextWindow() {
		p.setState(pipeIdle)
		return ErrConfig(fmt.Sprintf("prompt of %d tokens exceeds context window %d", len(tokens), p.be.ContextWindow()))
	}
	logits, err := p.be.Prefill(ctx, tokens)
	if err != nil {
		p.setState(pipeIdle)
		return err
	}
	p.promptTokens = len(tokens)
	p.growConsumed(len(tokens))
	p.prefillDur = time.Since(start)
	p.statPrefillTokens += len(tokens)
	p.statPrefillSecs += p.prefillDur.Seconds()
	p.setState(pipeDecoding)
	// The prefill step samples the first token; its delta is the first
	// streamed item.
	p.accept(logits)
	return nil
}

// decodeStep advances exactly one autoregressive step. A single step is
// atomic; interrupts are observed between steps by the caller.
func (p *Pipeline) decodeStep(ctx context.Context) error {
	if st := p.currentState(); st != pipeDecoding {
		return fmt.Errorf("decode step in state %s", st)
	}
	if p.contextTokens()+1 >= p.be.ContextWindow() {
		p.stop(types.FinishLength)
		return nil
	}
	start := time.Now()
	logits, err := p.be.Decode(ctx, p.lastToken)
	if err != nil {
		return err
	}
	p.growConsumed(1)
	d := time.Since(start)
	p.decodeDur += d
	p.statDecodeTokens++
	p.statDecodeSecs += d.Seconds()
	p.accept(logits)
	return nil
}

// accept samples from logits, applies bookkeeping, and evaluates stop
// conditions.
func (p *Pipeline) accept(logits []float32) {
	adj := p.adjustLogits(logits)
	id := backend.Sample(adj, backend.SampleOptions{
		Temperature: p.cfg.Temperature,
		TopP:        p.cfg.TopP,
		Rng:         p.rng,
	})
	if p.cfg.Logprobs {
		p.recordLogprob(adj, id)
	}
	p.generated = append(p.generated, id)
	p.lastToken = id

	for _, stopID := range p.cfg.StopTokenIDs {
		if id == stopID {
			p.stop(types.FinishStop)
			return
		}
	}
	if p.matcher != nil && !p.matcher.Accept(id) {
		p.stop(types.FinishStop)
		return
	}
	p.textTokens = append(p.textTokens, id)
	text := p.tok.Decode(p.textTokens)
	for _, s := range p.cfg.Stop {
		if idx := strings.Index(text, s); idx >= 0 {
			// Matched stop sequence is trimmed, never revealed.
			p.setText(text[:idx])
			p.stop(types.FinishStop)
			return
		}
	}
	p.setText(text)
	if p.matcher != nil && p.matcher.Done() {
		p.stop(types.FinishStop)
		return
	}
	if len(p.generated) >= p.cfg.MaxTokens {
		p.stop(types.FinishLength)
	}
}

// adjustLogits applies logit bias and the per-request token-frequency
// penalties to a copy of the backend logits.
func (p *Pipeline) adjustLogits(logits []float32) []float32 {
	adj := append([]float32(nil), logits...)
	for id, b := range p.cfg.LogitBias {
		if id < len(adj) {
			adj[id] += b
		}
	}
	freq := make(map[int]int, len(p.generated))
	for _, t := range p.generated {
		freq[t]++
	}
	rp := p.cfg.RepetitionPenalty
	for id, c := range freq {
		if id >= len(adj) {
			continue
		}
		if rp != 1 {
			if adj[id] > 0 {
				adj[id] /= rp
			} else {
				adj[id] *= rp
			}
		}
		adj[id] -= float32(c)*p.cfg.FrequencyPenalty + p.cfg.PresencePenalty
	}
	return adj
}

func (p *Pipeline) recordLogprob(adj []float32, id int) {
	probs := backend.Softmax(adj, p.cfg.Temperature)
	lp := types.TokenLogprob{
		Token:   p.tok.IDToToken(id),
		Logprob: logOf(probs[id]),
	}
	if n := p.cfg.TopLogprobs; n > 0 {
		idx := make([]int, len(probs))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
		if n > len(idx) {
			n = len(idx)
		}
		for _, top := range idx[:n] {
			lp.TopLogprobs = append(lp.TopLogprobs, types.TopLogprob{
				Token:   p.tok.IDToToken(top),
				Logprob: logOf(probs[top]),
			})
		}
	}
	p.logprobs = append(p.logprobs, lp)
}

func (p *Pipeline) stop(reason string) {
	p.finish = reason
	p.setState(pipeStopped)
}

// stopped reports whether the current request reached a terminal condition.
func (p *Pipeline) stopped() bool { return p.currentState() == pipeStopped }

// abort marks the request interrupted at a step boundary.
func (p *Pipeline) abort() { p.stop(types.FinishAbort) }

// finishRequest retains the assistant reply in the conversation so a strict
// continuation of this history can reuse the decode state, then returns the
// pipeline to idle.
func (p *Pipeline) finishRequest() {
	if p.conv != nil && p.text != "" {
		p.conv.Append(conversation.Turn{
			Role:  conversation.RoleAssistant,
			Parts: []conversation.Part{{Type: "text", Text: p.text}},
		})
	}
	p.setState(pipeIdle)
}

// beginRequest clears per-request bookkeeping (penalty frequencies, logprob
// records, timings); the accumulated decode state is untouched.
func (p *Pipeline) beginRequest(cfg resolved, matcher backend.GrammarMatcher) {
	p.cfg = cfg
	p.matcher = matcher
	p.generated = nil
	p.textTokens = nil
	p.setText("")
	p.finish = ""
	p.logprobs = nil
	p.promptTokens = 0
	p.prefillDur = 0
	p.decodeDur = 0
	if cfg.Temperature > 0 {
		seed := cfg.Seed
		if !cfg.HasSeed {
			seed = time.Now().UnixNano()
		}
		p.rng = rand.New(rand.NewSource(seed))
	} else {
		p.rng = nil
	}
}

// resetDecodeState clears the accumulated KV-equivalent state and the
// retained conversation.
func (p *Pipeline) resetDecodeState() {
	p.be.Reset()
	p.mu.Lock()
	p.consumed = 0
	p.mu.Unlock()
	p.conv = nil
}

// message returns the assistant text revealed so far, withholding a trailing
// incomplete UTF-8 sequence until it resolves.
func (p *Pipeline) message() string {
	p.mu.Lock()
	text := p.text
	p.mu.Unlock()
	return completePrefix(text)
}

// usage aggregates token accounting for the finished request.
func (p *Pipeline) usage() *types.Usage {
	u := &types.Usage{
		PromptTokens:     p.promptTokens,
		CompletionTokens: len(p.generated),
		TotalTokens:      p.promptTokens + len(p.generated),
	}
	extra := &types.UsageExtra{}
	if s := p.prefillDur.Seconds(); s > 0 {
		extra.PrefillTokensPerSec = float64(p.promptTokens) / s
	}
	if s := p.decodeDur.Seconds(); s > 0 {
		extra.DecodeTokensPerSec = float64(len(p.generated)) / s
	}
	u.Extra = extra
	return u
}

// runtimeStatsText formats lifetime throughput, matching the text surface of
// the runtime-stats operation.
func (p *Pipeline) runtimeStatsText() string {
	prefill, decode := 0.0, 0.0
	if p.statPrefillSecs > 0 {
		prefill = float64(p.statPrefillTokens) / p.statPrefillSecs
	}
	if p.statDecodeSecs > 0 {
		decode = float64(p.statDecodeTokens) / p.statDecodeSecs
	}
	return fmt.Sprintf("prefill: %.1f tokens/sec, decoding: %.1f tokens/sec", prefill, decode)
}

func logOf(p float64) float64 {
	if p <= 0 {
		return -9999
	}
	return math.Log(p)
}

// completePrefix returns s truncated before any trailing incomplete UTF-8
// sequence, so a partial multi-byte unit is never streamed.
func completePrefix(s string) string {
	for cut := 0; cut < 4 && cut < len(s); cut++ {
		r, size := utf8.DecodeLastRuneInString(s[:len(s)-cut])
		if r != utf8.RuneError || size > 1 {
			if cut == 0 {
				return s
			}
			return s[:len(s)-cut]
		}
		// A bare RuneError of size 1 at the very end may be an incomplete
		// sequence; back up one byte and retry.
	}
	return s
}
