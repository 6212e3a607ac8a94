package biometric

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprinter turns the client-reported device fingerprint into a keyed
// digest so raw fingerprints are never stored.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter accepts keys up to 64 bytes.
func NewFingerprinter(key string) (*Fingerprinter, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("fingerprint key longer than %d bytes", blake2b.Size)
	}
	return &Fingerprinter{key: []byte(key)}, nil
}

// Hash returns the hex digest, or "" for an empty fingerprint.
func (f *Fingerprinter) Hash(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	h, err := blake2b.New256(f.key)
	if err != nil {
		// key length is validated in NewFingerprinter
		panic(err)
	}
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}
