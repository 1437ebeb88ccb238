//go:build llama

package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaBuilt indicates this binary was compiled with native llama support.
var llamaBuilt = true

// llamaBackend wraps the llama.cpp bindings. The bindings expose coarse
// predict/embed entry points rather than per-step logits, so only the
// embedding path is served natively; token-level generation stays on the
// builtin backend.
type llamaBackend struct {
	ctxWindow int
	model     *llama.LLama
	tmpPath   string
}

func newLlama(contextWindow int) (Backend, Tokenizer, error) {
	if contextWindow <= 0 {
		contextWindow = builtinCtxDefault
	}
	return &llamaBackend{ctxWindow: contextWindow}, builtinTokenizer{}, nil
}

func (b *llamaBackend) LoadParameters(ctx context.Context, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "llmd-llama-")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "model.gguf")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return err
	}
	m, err := llama.New(path,
		llama.SetContext(b.ctxWindow),
		llama.EnableEmbeddings,
	)
	if err != nil {
		return fmt.Errorf("llama load: %w", err)
	}
	b.model = m
	b.tmpPath = dir
	return nil
}

func (b *llamaBackend) Prefill(ctx context.Context, tokens []int) ([]float32, error) {
	return nil, errors.New("llama backend does not expose per-step logits; use library \"builtin\" for token-level generation")
}

func (b *llamaBackend) Decode(ctx context.Context, token int) ([]float32, error) {
	return nil, errors.New("llama backend does not expose per-step logits; use library \"builtin\" for token-level generation")
}

func (b *llamaBackend) Embed(ctx context.Context, tokens []int) ([]float32, error) {
	if b.model == nil {
		return nil, errors.New("llama model not loaded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := builtinTokenizer{}.Decode(tokens)
	emb, err := b.model.Embeddings(text)
	if err != nil {
		return nil, fmt.Errorf("llama embeddings: %w", err)
	}
	out := make([]float32, len(emb))
	copy(out, emb)
	return out, nil
}

func (b *llamaBackend) ContextWindow() int { return b.ctxWindow }

func (b *llamaBackend) Reset() {}

func (b *llamaBackend) Close() error {
	if b.model != nil {
		b.model.Free()
		b.model = nil
	}
	if b.tmpPath != "" {
		_ = os.RemoveAll(b.tmpPath)
		b.tmpPath = ""
	}
	return nil
}
