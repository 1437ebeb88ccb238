package backend

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

const (
	builtinVocabSize  = 32000
	builtinEOS        = 2
	builtinCtxDefault = 2048
	embedDim          = 64
)

// builtinTokenizer is a deterministic word-level tokenizer. It exists so the
// orchestration core runs end to end without native bindings; real encode
// quality lives in the external collaborator.
type builtinTokenizer struct{}

func (builtinTokenizer) Encode(text string) []int {
	fields := strings.Fields(text)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		h := fnv.New32a()
		h.Write([]byte(f))
		// ids 0..2 are reserved (pad, bos, eos)
		out = append(out, 3+int(h.Sum32()%(builtinVocabSize-3)))
	}
	return out
}

func (builtinTokenizer) Decode(tokens []int) string {
	var b strings.Builder
	for i, t := range tokens {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(builtinTokenizer{}.IDToToken(t))
	}
	return b.String()
}

func (builtinTokenizer) VocabSize() int { return builtinVocabSize }

func (builtinTokenizer) IDToToken(id int) string {
	switch id {
	case 0:
		return "<pad>"
	case 1:
		return "<s>"
	case builtinEOS:
		return "</s>"
	}
	return fmt.Sprintf("w%04d", id)
}

// builtinBackend is a deterministic stand-in for the tensor collaborator.
// Logits are a pure function of the consumed token history, so identical
// (prompt, seed, config) requests generate identical output.
type builtinBackend struct {
	mu        sync.Mutex
	ctxWindow int
	state     uint64
	consumed  int
	loaded    bool
	lost      bool
}

func newBuiltin(contextWindow int) (Backend, Tokenizer, error) {
	if contextWindow <= 0 {
		contextWindow = builtinCtxDefault
	}
	return &builtinBackend{ctxWindow: contextWindow}, builtinTokenizer{}, nil
}

func (b *builtinBackend) LoadParameters(ctx context.Context, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lost {
		return &DeviceLostError{Reason: "load on lost device"}
	}
	b.loaded = true
	return nil
}

func (b *builtinBackend) Prefill(ctx context.Context, tokens []int) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, len(tokens)); err != nil {
		return nil, err
	}
	for _, t := range tokens {
		b.state = b.state*1099511628211 + uint64(t) + 1
	}
	b.consumed += len(tokens)
	return b.logits(), nil
}

func (b *builtinBackend) Decode(ctx context.Context, token int) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, 1); err != nil {
		return nil, err
	}
	b.state = b.state*1099511628211 + uint64(token) + 1
	b.consumed++
	return b.logits(), nil
}

func (b *builtinBackend) Embed(ctx context.Context, tokens []int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Mean pooling over per-token pseudo-embeddings.
	out := make([]float32, embedDim)
	if len(tokens) == 0 {
		return out, nil
	}
	for _, t := range tokens {
		s := uint64(t) + 1
		for d := 0; d < embedDim; d++ {
			s = s*6364136223846793005 + 1442695040888963407
			out[d] += float32(int64(s>>33)%1000) / 1000
		}
	}
	for d := range out {
		out[d] /= float32(len(tokens))
	}
	return out, nil
}

func (b *builtinBackend) ContextWindow() int { return b.ctxWindow }

func (b *builtinBackend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = 0
	b.consumed = 0
}

func (b *builtinBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = false
	return nil
}

// LoseDevice simulates a device-loss condition; subsequent calls fail with
// DeviceLostError. Used by tests and fault injection.
func (b *builtinBackend) LoseDevice() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lost = true
}

func (b *builtinBackend) check(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.lost {
		return &DeviceLostError{Reason: "simulated loss"}
	}
	if !b.loaded {
		return fmt.Errorf("parameters not loaded")
	}
	if b.consumed+n > b.ctxWindow {
		return &DeviceLostError{Reason: "context window exhausted"}
	}
	return nil
}

// logits produces a peaked distribution whose argmax walks the vocabulary as
// a function of the accumulated state.
func (b *builtinBackend) logits() []float32 {
	out := make([]float32, builtinVocabSize)
	peak := 3 + int(b.state%(builtinVocabSize-3))
	second := 3 + int((b.state/7)%(builtinVocabSize-3))
	for i := range out {
		out[i] = float32(int(b.state>>uint(i%13))%7) * 0.01
	}
	out[peak] = 10
	if second != peak {
		out[second] = 8
	}
	return out
}
