package types

// ModelRecord is the static descriptor of a servable model. Records are
// supplied by configuration and never mutated at runtime.
type ModelRecord struct {
	// Stable identifier for the model.
	// example: tinylm-q4
	ID string `json:"id" yaml:"id" toml:"id"`
	// Human-friendly name.
	Name string `json:"name,omitempty" yaml:"name" toml:"name"`
	// Artifact locator: an absolute file path or an http(s) URL understood
	// by the artifact cache.
	Locator string `json:"locator" yaml:"locator" toml:"locator"`
	// Backend library used to execute the model ("builtin" or "llama").
	Library string `json:"library,omitempty" yaml:"library" toml:"library"`
	// Integrity descriptor for the artifact, "<algorithm>-<base64 digest>".
	// Empty means no verification.
	Integrity string `json:"integrity,omitempty" yaml:"integrity" toml:"integrity"`
	// Hardware features this model requires (e.g. "f16").
	RequiredFeatures []string `json:"required_features,omitempty" yaml:"required_features" toml:"required_features"`
	// Context window bound for the decode state. Zero means backend default.
	ContextWindow int `json:"context_window,omitempty" yaml:"context_window" toml:"context_window"`
	// Estimated resident memory in MB; used for early capability rejection.
	RequiredMemMB int `json:"required_mem_mb,omitempty" yaml:"required_mem_mb" toml:"required_mem_mb"`
	// Per-model generation defaults merged over the engine base config.
	Overrides *GenerationConfig `json:"overrides,omitempty" yaml:"overrides" toml:"overrides"`
}

// GenerationConfig carries sampling and output controls. A nil/zero field
// means "unset" and is filled from the next layer of defaults (engine base
// config, then per-model overrides, then the request).
type GenerationConfig struct {
	Temperature       *float32           `json:"temperature,omitempty" yaml:"temperature" toml:"temperature"`
	TopP              *float32           `json:"top_p,omitempty" yaml:"top_p" toml:"top_p"`
	PresencePenalty   *float32           `json:"presence_penalty,omitempty" yaml:"presence_penalty" toml:"presence_penalty"`
	FrequencyPenalty  *float32           `json:"frequency_penalty,omitempty" yaml:"frequency_penalty" toml:"frequency_penalty"`
	RepetitionPenalty *float32           `json:"repetition_penalty,omitempty" yaml:"repetition_penalty" toml:"repetition_penalty"`
	MaxTokens         int                `json:"max_tokens,omitempty" yaml:"max_tokens" toml:"max_tokens"`
	Stop              []string           `json:"stop,omitempty" yaml:"stop" toml:"stop"`
	StopTokenIDs      []int              `json:"stop_token_ids,omitempty" yaml:"stop_token_ids" toml:"stop_token_ids"`
	LogitBias         map[string]float32 `json:"logit_bias,omitempty" yaml:"logit_bias" toml:"logit_bias"`
	Logprobs          bool               `json:"logprobs,omitempty" yaml:"logprobs" toml:"logprobs"`
	TopLogprobs       int                `json:"top_logprobs,omitempty" yaml:"top_logprobs" toml:"top_logprobs"`
	Seed              *int64             `json:"seed,omitempty" yaml:"seed" toml:"seed"`
	// ResponseSchema holds a structured-output schema/grammar handed to the
	// external grammar matcher. Opaque to the orchestration core.
	ResponseSchema string `json:"response_schema,omitempty" yaml:"response_schema" toml:"response_schema"`
}

// Clone returns a deep copy safe to mutate during per-request resolution.
func (g *GenerationConfig) Clone() *GenerationConfig {
	if g == nil {
		return nil
	}
	out := *g
	out.Stop = append([]string(nil), g.Stop...)
	out.StopTokenIDs = append([]int(nil), g.StopTokenIDs...)
	if g.LogitBias != nil {
		out.LogitBias = make(map[string]float32, len(g.LogitBias))
		for k, v := range g.LogitBias {
			out.LogitBias[k] = v
		}
	}
	cloneF := func(p *float32) *float32 {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	out.Temperature = cloneF(g.Temperature)
	out.TopP = cloneF(g.TopP)
	out.PresencePenalty = cloneF(g.PresencePenalty)
	out.FrequencyPenalty = cloneF(g.FrequencyPenalty)
	out.RepetitionPenalty = cloneF(g.RepetitionPenalty)
	if g.Seed != nil {
		s := *g.Seed
		out.Seed = &s
	}
	return &out
}
