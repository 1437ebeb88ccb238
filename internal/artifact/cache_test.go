package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Put("scope", "loc", []byte("abc")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !s.Has("scope", "loc") {
		t.Fatal("missing after put")
	}
	if s.Has("other", "loc") {
		t.Fatal("scope leak")
	}
	got, ok, err := s.Get("scope", "loc")
	if err != nil || !ok || string(got) != "abc" {
		t.Fatalf("get = %q %v %v", got, ok, err)
	}
	// Returned slice must not alias the stored one.
	got[0] = 'x'
	again, _, _ := s.Get("scope", "loc")
	if string(again) != "abc" {
		t.Fatal("store data mutated through returned slice")
	}
	if err := s.Delete("scope", "loc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Has("scope", "loc") {
		t.Fatal("still present after delete")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Put("scope", "loc", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Upsert replaces.
	if err := s.Put("scope", "loc", []byte("payload2")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, ok, err := s.Get("scope", "loc")
	if err != nil || !ok || string(got) != "payload2" {
		t.Fatalf("get = %q %v %v", got, ok, err)
	}
	if _, ok, _ := s.Get("scope", "nope"); ok {
		t.Fatal("phantom entry")
	}
}

func TestFetchLocalFileAndCacheHit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewCache("test", NewMemoryStore())
	data, err := c.FetchWithCache(context.Background(), path, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "weights" {
		t.Fatalf("data = %q", data)
	}
	// Second fetch must come from cache even if the origin vanishes.
	os.Remove(path)
	data, err = c.FetchWithCache(context.Background(), path, "")
	if err != nil || string(data) != "weights" {
		t.Fatalf("cache hit = %q, %v", data, err)
	}
}

func TestFetchRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote-weights"))
	}))
	defer srv.Close()

	c := NewCache("test", NewMemoryStore())
	data, err := c.FetchWithCache(context.Background(), srv.URL+"/model.bin", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "remote-weights" {
		t.Fatalf("data = %q", data)
	}
}

func TestFetchCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	os.WriteFile(path, []byte("weights"), 0o644)

	c := NewCache("test", NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.FetchWithCache(ctx, path, ""); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c.Has(path) {
		t.Fatal("canceled fetch populated the cache")
	}
}

func TestIntegrityStrict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	os.WriteFile(path, []byte("weights"), 0o644)

	good, err := Descriptor("sha256", []byte("weights"))
	if err != nil {
		t.Fatal(err)
	}
	v := NewVerifier(VerifyStrict, zerolog.Nop())
	c := NewCache("test", NewMemoryStore(), WithVerifier(v))

	if _, err := c.FetchWithCache(context.Background(), path, good); err != nil {
		t.Fatalf("matching digest rejected: %v", err)
	}

	c2 := NewCache("test2", NewMemoryStore(), WithVerifier(v))
	bad, _ := Descriptor("sha256", []byte("tampered"))
	_, err = c2.FetchWithCache(context.Background(), path, bad)
	if _, ok := err.(*MismatchError); !ok {
		t.Fatalf("err = %v, want MismatchError", err)
	}
	if c2.Has(path) {
		t.Fatal("mismatched artifact was cached")
	}
}

func TestIntegrityWarnProceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	os.WriteFile(path, []byte("weights"), 0o644)

	v := NewVerifier(VerifyWarn, zerolog.Nop())
	c := NewCache("test", NewMemoryStore(), WithVerifier(v))
	bad, _ := Descriptor("sha256", []byte("tampered"))
	data, err := c.FetchWithCache(context.Background(), path, bad)
	if err != nil {
		t.Fatalf("warn mode rejected: %v", err)
	}
	if string(data) != "weights" {
		t.Fatalf("data = %q", data)
	}
}

func TestVerifierRejectsMalformedDescriptor(t *testing.T) {
	v := NewVerifier(VerifyStrict, zerolog.Nop())
	if err := v.Verify([]byte("x"), "nodash"); err == nil {
		t.Fatal("malformed descriptor accepted")
	}
	if err := v.Verify([]byte("x"), "md5-abc"); err == nil {
		t.Fatal("unsupported algorithm accepted")
	}
}

func TestParseVerifyMode(t *testing.T) {
	if m, err := ParseVerifyMode(""); err != nil || m != VerifyStrict {
		t.Fatalf("empty = %v, %v", m, err)
	}
	if m, err := ParseVerifyMode("warn"); err != nil || m != VerifyWarn {
		t.Fatalf("warn = %v, %v", m, err)
	}
	if _, err := ParseVerifyMode("lenient"); err == nil {
		t.Fatal("unknown mode accepted")
	}
}
