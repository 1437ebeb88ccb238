package engine

import (
	"fmt"
	"strconv"

	"llmd/pkg/types"
)

// Defaults applied when no layer of the config stack sets a field.
const (
	defaultTemperature = float32(1.0)
	defaultTopP        = float32(1.0)
	defaultMaxTokens   = 128
	defaultRepetition  = float32(1.0)
)

// resolved is a fully-merged generation config with no unset fields left.
type resolved struct {
	Temperature       float32
	TopP              float32
	PresencePenalty   float32
	FrequencyPenalty  float32
	RepetitionPenalty float32
	MaxTokens         int
	Stop              []string
	StopTokenIDs      []int
	LogitBias         map[int]float32
	Logprobs          bool
	TopLogprobs       int
	Seed              int64
	HasSeed           bool
	ResponseSchema    string
}

// resolveConfig merges layers lowest-priority first (engine base, record
// overrides, reload opts, request).
func resolveConfig(layers ...*types.GenerationConfig) resolved {
	r := resolved{
		Temperature:       defaultTemperature,
		TopP:              defaultTopP,
		RepetitionPenalty: defaultRepetition,
		MaxTokens:         defaultMaxTokens,
	}
	for _, g := range layers {
		if g == nil {
			continue
		}
		if g.Temperature != nil {
			r.Temperature = *g.Temperature
		}
		if g.TopP != nil {
			r.TopP = *g.TopP
		}
		if g.PresencePenalty != nil {
			r.PresencePenalty = *g.PresencePenalty
		}
		if g.FrequencyPenalty != nil {
			r.FrequencyPenalty = *g.FrequencyPenalty
		}
		if g.RepetitionPenalty != nil {
			r.RepetitionPenalty = *g.RepetitionPenalty
		}
		if g.MaxTokens > 0 {
			r.MaxTokens = g.MaxTokens
		}
		if g.Stop != nil {
			r.Stop = append([]string(nil), g.Stop...)
		}
		if g.StopTokenIDs != nil {
			r.StopTokenIDs = append([]int(nil), g.StopTokenIDs...)
		}
		if g.LogitBias != nil {
			r.LogitBias = make(map[int]float32, len(g.LogitBias))
			for k, v := range g.LogitBias {
				id, err := strconv.Atoi(k)
				if err != nil {
					continue // rejected earlier by validation
				}
				r.LogitBias[id] = v
			}
		}
		if g.Logprobs {
			r.Logprobs = true
		}
		if g.TopLogprobs > 0 {
			r.TopLogprobs = g.TopLogprobs
		}
		if g.Seed != nil {
			r.Seed = *g.Seed
			r.HasSeed = true
		}
		if g.ResponseSchema != "" {
			r.ResponseSchema = g.ResponseSchema
		}
	}
	return r
}

// validateConfig rejects malformed request overrides synchronously, before
// any prefill work. vocabSize bounds logit-bias keys and stop token ids.
func validateConfig(g *types.GenerationConfig, vocabSize int) error {
	if g == nil {
		return nil
	}
	if g.Temperature != nil && *g.Temperature < 0 {
		return ErrConfig("temperature must be >= 0")
	}
	if g.TopP != nil && (*g.TopP <= 0 || *g.TopP > 1) {
		return ErrConfig("top_p must be in (0, 1]")
	}
	if g.PresencePenalty != nil && (*g.PresencePenalty < -2 || *g.PresencePenalty > 2) {
		return ErrConfig("presence_penalty must be in [-2, 2]")
	}
	if g.FrequencyPenalty != nil && (*g.FrequencyPenalty < -2 || *g.FrequencyPenalty > 2) {
		return ErrConfig("frequency_penalty must be in [-2, 2]")
	}
	if g.RepetitionPenalty != nil && *g.RepetitionPenalty <= 0 {
		return ErrConfig("repetition_penalty must be > 0")
	}
	if g.MaxTokens < 0 {
		return ErrConfig("max_tokens must be >= 0")
	}
	if g.TopLogprobs < 0 || g.TopLogprobs > 20 {
		return ErrConfig("top_logprobs must be in [0, 20]")
	}
	if g.TopLogprobs > 0 && !g.Logprobs {
		return ErrConfig("top_logprobs requires logprobs")
	}
	for k := range g.LogitBias {
		id, err := strconv.Atoi(k)
		if err != nil {
			return ErrConfig(fmt.Sprintf("logit_bias key %q is not a token id", k))
		}
		if id < 0 || id >= vocabSize {
			return ErrConfig(fmt.Sprintf("logit_bias token id %d out of vocabulary range", id))
		}
	}
	for _, id := range g.StopTokenIDs {
		if id < 0 || id >= vocabSize {
			return ErrConfig(fmt.Sprintf("stop token id %d out of vocabulary range", id))
		}
	}
	return nil
}

// configEqual compares reload options for the idempotent-reload check.
func configEqual(a, b *types.GenerationConfig) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	eqF := func(x, y *float32) bool {
		if x == nil || y == nil {
			return x == y
		}
		return *x == *y
	}
	if !eqF(a.Temperature, b.Temperature) || !eqF(a.TopP, b.TopP) ||
		!eqF(a.PresencePenalty, b.PresencePenalty) || !eqF(a.FrequencyPenalty, b.FrequencyPenalty) ||
		!eqF(a.RepetitionPenalty, b.RepetitionPenalty) {
		return false
	}
	if a.MaxTokens != b.MaxTokens || a.Logprobs != b.Logprobs || a.TopLogprobs != b.TopLogprobs ||
		a.ResponseSchema != b.ResponseSchema {
		return false
	}
	if (a.Seed == nil) != (b.Seed == nil) || (a.Seed != nil && *a.Seed != *b.Seed) {
		return false
	}
	if len(a.Stop) != len(b.Stop) || len(a.StopTokenIDs) != len(b.StopTokenIDs) || len(a.LogitBias) != len(b.LogitBias) {
		return false
	}
	for i := range a.Stop {
		if a.Stop[i] != b.Stop[i] {
			return false
		}
	}
	for i := range a.StopTokenIDs {
		if a.StopTokenIDs[i] != b.StopTokenIDs[i] {
			return false
		}
	}
	for k, v := range a.LogitBias {
		if b.LogitBias[k] != v {
			return false
		}
	}
	return true
}
