// Package backend defines the interface boundary to the external numerical
// execution collaborators: the tensor backend, the tokenizer, and the device
// capability probe. The orchestration core only sequences calls to these.
package backend

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/shirou/gopsutil/v3/mem"
)

// Tokenizer is the external encode/decode collaborator.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	VocabSize() int
	IDToToken(id int) string
}

// Backend is the external numerical collaborator bound to one loaded model.
// Prefill consumes the whole pending prompt in one batched step; Decode
// advances exactly one autoregressive step. Both return logits for the last
// position.
type Backend interface {
	LoadParameters(ctx context.Context, blob []byte) error
	Prefill(ctx context.Context, tokens []int) ([]float32, error)
	Decode(ctx context.Context, token int) ([]float32, error)
	Embed(ctx context.Context, tokens []int) ([]float32, error)
	ContextWindow() int
	Reset()
	Close() error
}

// GrammarMatcher constrains decoding to a compiled schema/grammar. Supplied
// by the external grammar collaborator; nil means unconstrained.
type GrammarMatcher interface {
	Accept(tokenID int) bool
	Done() bool
}

// Capabilities describes the host device, used to reject unsupported models
// before any artifact is fetched.
type Capabilities struct {
	Features       []string
	TotalMemMB     uint64
	AvailableMemMB uint64
}

// HasFeature reports whether the device advertises the named feature.
func (c Capabilities) HasFeature(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Probe inspects the host and returns its capabilities.
func Probe() Capabilities {
	caps := Capabilities{Features: []string{"f16", "f32"}}
	if vm, err := mem.VirtualMemory(); err == nil {
		caps.TotalMemMB = vm.Total / (1024 * 1024)
		caps.AvailableMemMB = vm.Available / (1024 * 1024)
	}
	return caps
}

// DeviceLostError reports that the device context backing a pipeline is gone
// (driver reset, out-of-memory kill). Expected during unload, fatal elsewhere.
type DeviceLostError struct{ Reason string }

func (e *DeviceLostError) Error() string { return "device lost: " + e.Reason }

// IsDeviceLost reports whether err is a device-loss condition.
func IsDeviceLost(err error) bool {
	_, ok := err.(*DeviceLostError)
	return ok
}

// New constructs the backend and tokenizer for the given library reference.
// An unknown library is a configuration error.
func New(library string, contextWindow int) (Backend, Tokenizer, error) {
	switch library {
	case "", "builtin":
		return newBuiltin(contextWindow)
	case "llama":
		return newLlama(contextWindow)
	default:
		return nil, nil, fmt.Errorf("unknown backend library: %q", library)
	}
}

// SampleOptions controls Sample.
type SampleOptions struct {
	Temperature float32
	TopP        float32
	Rng         *rand.Rand
}

// Sample picks the next token id from logits. Temperature <= 0 is greedy;
// otherwise softmax over temperature with nucleus (top-p) truncation.
func Sample(logits []float32, opts SampleOptions) int {
	if opts.Temperature <= 0 || opts.Rng == nil {
		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		return best
	}
	probs := Softmax(logits, opts.Temperature)
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	topP := opts.TopP
	if topP <= 0 || topP > 1 {
		topP = 1
	}
	var cum float64
	cut := len(idx)
	for i, id := range idx {
		cum += probs[id]
		if cum >= float64(topP) {
			cut = i + 1
			break
		}
	}
	idx = idx[:cut]
	var total float64
	for _, id := range idx {
		total += probs[id]
	}
	r := opts.Rng.Float64() * total
	for _, id := range idx {
		r -= probs[id]
		if r <= 0 {
			return id
		}
	}
	return idx[len(idx)-1]
}

// Softmax returns normalized probabilities of logits at the given temperature.
func Softmax(logits []float32, temperature float32) []float64 {
	if temperature <= 0 {
		temperature = 1
	}
	out := make([]float64, len(logits))
	maxV := float64(math.Inf(-1))
	for _, v := range logits {
		if float64(v) > maxV {
			maxV = float64(v)
		}
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp((float64(v) - maxV) / float64(temperature))
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
