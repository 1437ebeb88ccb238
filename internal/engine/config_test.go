package engine

import (
	"testing"

	"llmd/pkg/types"
)

func i64(v int64) *int64 { return &v }

func TestResolveConfigDefaults(t *testing.T) {
	r := resolveConfig(nil)
	if r.Temperature != 1 || r.TopP != 1 || r.MaxTokens != 128 || r.RepetitionPenalty != 1 {
		t.Fatalf("defaults = %+v", r)
	}
}

func TestResolveConfigLayering(t *testing.T) {
	base := &types.GenerationConfig{Temperature: f32(0.5), MaxTokens: 64}
	override := &types.GenerationConfig{Temperature: f32(0.9)}
	r := resolveConfig(base, override)
	if r.Temperature != 0.9 {
		t.Fatalf("temperature = %f, want higher layer to win", r.Temperature)
	}
	if r.MaxTokens != 64 {
		t.Fatalf("max tokens = %d, want lower layer to survive", r.MaxTokens)
	}
}

func TestResolveConfigLogitBiasKeys(t *testing.T) {
	r := resolveConfig(&types.GenerationConfig{
		LogitBias: map[string]float32{"42": 1.5},
	})
	if r.LogitBias[42] != 1.5 {
		t.Fatalf("bias = %+v", r.LogitBias)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name string
		g    types.GenerationConfig
	}{
		{"negative temperature", types.GenerationConfig{Temperature: f32(-0.1)}},
		{"zero top_p", types.GenerationConfig{TopP: f32(0)}},
		{"top_p above one", types.GenerationConfig{TopP: f32(1.5)}},
		{"presence penalty out of range", types.GenerationConfig{PresencePenalty: f32(3)}},
		{"frequency penalty out of range", types.GenerationConfig{FrequencyPenalty: f32(-2.5)}},
		{"zero repetition penalty", types.GenerationConfig{RepetitionPenalty: f32(0)}},
		{"negative max tokens", types.GenerationConfig{MaxTokens: -1}},
		{"top_logprobs without logprobs", types.GenerationConfig{TopLogprobs: 3}},
		{"top_logprobs above cap", types.GenerationConfig{Logprobs: true, TopLogprobs: 21}},
		{"non-numeric bias key", types.GenerationConfig{LogitBias: map[string]float32{"abc": 1}}},
		{"bias key out of vocab", types.GenerationConfig{LogitBias: map[string]float32{"99999": 1}}},
		{"stop token out of vocab", types.GenerationConfig{StopTokenIDs: []int{99999}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateConfig(&tc.g, 32000); !IsConfigError(err) {
				t.Fatalf("err = %v, want config error", err)
			}
		})
	}
	ok := types.GenerationConfig{
		Temperature: f32(0.7), TopP: f32(0.95),
		Logprobs: true, TopLogprobs: 5,
		LogitBias:    map[string]float32{"100": -1},
		StopTokenIDs: []int{2},
	}
	if err := validateConfig(&ok, 32000); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if err := validateConfig(nil, 32000); err != nil {
		t.Fatalf("nil config rejected: %v", err)
	}
}

func TestConfigEqual(t *testing.T) {
	a := &types.GenerationConfig{Temperature: f32(0.7), Stop: []string{"###"}, Seed: i64(1)}
	b := &types.GenerationConfig{Temperature: f32(0.7), Stop: []string{"###"}, Seed: i64(1)}
	if !configEqual(a, b) {
		t.Fatal("equal configs reported unequal")
	}
	if !configEqual(nil, nil) {
		t.Fatal("nil pair unequal")
	}
	if configEqual(a, nil) {
		t.Fatal("nil vs non-nil equal")
	}
	c := &types.GenerationConfig{Temperature: f32(0.8), Stop: []string{"###"}, Seed: i64(1)}
	if configEqual(a, c) {
		t.Fatal("differing temperature reported equal")
	}
	d := &types.GenerationConfig{Temperature: f32(0.7), Stop: []string{"###"}, Seed: i64(2)}
	if configEqual(a, d) {
		t.Fatal("differing seed reported equal")
	}
}
