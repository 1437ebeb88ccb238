package artifact

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// VerifyMode selects how a digest mismatch is handled.
type VerifyMode int

const (
	// VerifyStrict raises a MismatchError on any digest mismatch.
	VerifyStrict VerifyMode = iota
	// VerifyWarn logs the mismatch and proceeds.
	VerifyWarn
)

// ParseVerifyMode maps the config strings "strict" and "warn".
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch s {
	case "", "strict":
		return VerifyStrict, nil
	case "warn":
		return VerifyWarn, nil
	default:
		return VerifyStrict, fmt.Errorf("unknown integrity mode: %q", s)
	}
}

// MismatchError reports a digest mismatch for an artifact.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Verifier recomputes artifact digests against "<algorithm>-<base64>"
// descriptors.
type Verifier struct {
	mode VerifyMode
	log  zerolog.Logger
}

// NewVerifier builds a verifier with the given mode.
func NewVerifier(mode VerifyMode, log zerolog.Logger) *Verifier {
	return &Verifier{mode: mode, log: log}
}

// Verify checks data against the descriptor. In warn mode a mismatch is
// logged and nil is returned.
func (v *Verifier) Verify(data []byte, descriptor string) error {
	algo, want, ok := strings.Cut(descriptor, "-")
	if !ok {
		return fmt.Errorf("malformed integrity descriptor: %q", descriptor)
	}
	var sum []byte
	switch algo {
	case "sha256":
		h := sha256.Sum256(data)
		sum = h[:]
	case "sha512":
		h := sha512.Sum512(data)
		sum = h[:]
	default:
		return fmt.Errorf("unsupported integrity algorithm: %q", algo)
	}
	got := base64.StdEncoding.EncodeToString(sum)
	if got == want {
		return nil
	}
	err := &MismatchError{Expected: descriptor, Actual: algo + "-" + got}
	if v.mode == VerifyWarn {
		v.log.Warn().Str("expected", descriptor).Str("actual", err.Actual).Msg("artifact integrity mismatch")
		return nil
	}
	return err
}

// Descriptor computes the descriptor string for data under algo. Used by
// tooling and tests to produce expected values.
func Descriptor(algo string, data []byte) (string, error) {
	switch algo {
	case "sha256":
		h := sha256.Sum256(data)
		return "sha256-" + base64.StdEncoding.EncodeToString(h[:]), nil
	case "sha512":
		h := sha512.Sum512(data)
		return "sha512-" + base64.StdEncoding.EncodeToString(h[:]), nil
	default:
		return "", fmt.Errorf("unsupported integrity algorithm: %q", algo)
	}
}
