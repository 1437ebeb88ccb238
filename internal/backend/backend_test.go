package backend

import (
	"context"
	"math"
	"math/rand"
	"testing"
)

func TestBuiltinTokenizerRoundStable(t *testing.T) {
	tok := builtinTokenizer{}
	a := tok.Encode("hello world hello")
	b := tok.Encode("hello world hello")
	if len(a) != 3 {
		t.Fatalf("tokens = %d, want 3", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("encoding not stable")
		}
	}
	if a[0] != a[2] {
		t.Fatal("same word mapped to different ids")
	}
	if a[0] < 3 || a[0] >= builtinVocabSize {
		t.Fatalf("token id %d outside vocabulary", a[0])
	}
}

func TestBuiltinDeterministicLogits(t *testing.T) {
	mk := func() Backend {
		be, _, err := New("builtin", 128)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if err := be.LoadParameters(context.Background(), nil); err != nil {
			t.Fatalf("load: %v", err)
		}
		return be
	}
	a, b := mk(), mk()
	la, err := a.Prefill(context.Background(), []int{5, 6, 7})
	if err != nil {
		t.Fatalf("prefill: %v", err)
	}
	lb, _ := b.Prefill(context.Background(), []int{5, 6, 7})
	for i := range la {
		if la[i] != lb[i] {
			t.Fatal("identical history produced different logits")
		}
	}
	da, _ := a.Decode(context.Background(), 9)
	db, _ := b.Decode(context.Background(), 9)
	for i := range da {
		if da[i] != db[i] {
			t.Fatal("identical decode step produced different logits")
		}
	}
}

func TestBuiltinContextWindowExhaustion(t *testing.T) {
	be, _, err := New("builtin", 4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	be.LoadParameters(context.Background(), nil)
	if _, err := be.Prefill(context.Background(), []int{1, 2, 3}); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	if _, err := be.Decode(context.Background(), 4); err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, err = be.Decode(context.Background(), 5)
	if !IsDeviceLost(err) {
		t.Fatalf("err = %v, want device-lost on exhaustion", err)
	}
}

func TestBuiltinResetClearsState(t *testing.T) {
	be, _, _ := New("builtin", 128)
	be.LoadParameters(context.Background(), nil)
	la, _ := be.Prefill(context.Background(), []int{5, 6})
	be.Reset()
	lb, _ := be.Prefill(context.Background(), []int{5, 6})
	for i := range la {
		if la[i] != lb[i] {
			t.Fatal("reset did not restore initial state")
		}
	}
}

func TestLoseDevice(t *testing.T) {
	be, _, _ := New("builtin", 128)
	be.LoadParameters(context.Background(), nil)
	be.(*builtinBackend).LoseDevice()
	_, err := be.Prefill(context.Background(), []int{1})
	if !IsDeviceLost(err) {
		t.Fatalf("err = %v, want device-lost", err)
	}
}

func TestSampleGreedy(t *testing.T) {
	logits := []float32{0.1, 5, 0.3, 4.9}
	if got := Sample(logits, SampleOptions{Temperature: 0}); got != 1 {
		t.Fatalf("greedy = %d, want 1", got)
	}
	// Nil rng forces greedy regardless of temperature.
	if got := Sample(logits, SampleOptions{Temperature: 2}); got != 1 {
		t.Fatalf("greedy fallback = %d, want 1", got)
	}
}

func TestSampleSeededReproducible(t *testing.T) {
	logits := make([]float32, 100)
	for i := range logits {
		logits[i] = float32(i % 7)
	}
	opts := func() SampleOptions {
		return SampleOptions{Temperature: 1, TopP: 0.9, Rng: rand.New(rand.NewSource(42))}
	}
	a, b := opts(), opts()
	for i := 0; i < 20; i++ {
		if Sample(logits, a) != Sample(logits, b) {
			t.Fatal("seeded sampling not reproducible")
		}
	}
}

func TestSampleTopPRestrictsSupport(t *testing.T) {
	// One dominant token: with a tight nucleus it must always win.
	logits := []float32{10, 0, 0, 0}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		if got := Sample(logits, SampleOptions{Temperature: 1, TopP: 0.5, Rng: rng}); got != 0 {
			t.Fatalf("top-p sampled %d outside nucleus", got)
		}
	}
}

func TestSoftmaxNormalized(t *testing.T) {
	probs := Softmax([]float32{1, 2, 3}, 1)
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("probs sum to %f", sum)
	}
	if !(probs[2] > probs[1] && probs[1] > probs[0]) {
		t.Fatalf("ordering broken: %v", probs)
	}
}

func TestEmbedMeanPooled(t *testing.T) {
	be, tok, _ := New("builtin", 128)
	be.LoadParameters(context.Background(), nil)
	v1, err := be.Embed(context.Background(), tok.Encode("hello world"))
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(v1) != embedDim {
		t.Fatalf("dim = %d, want %d", len(v1), embedDim)
	}
	v2, _ := be.Embed(context.Background(), tok.Encode("hello world"))
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatal("embedding not deterministic")
		}
	}
}

func TestProbeReportsBaseFeatures(t *testing.T) {
	caps := Probe()
	if !caps.HasFeature("f32") {
		t.Fatal("f32 missing from probed features")
	}
	if caps.HasFeature("warp-drive") {
		t.Fatal("phantom feature reported")
	}
}

func TestUnknownLibrary(t *testing.T) {
	if _, _, err := New("tensorflow", 0); err == nil {
		t.Fatal("unknown library accepted")
	}
}
