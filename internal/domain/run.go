package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// FingerprintSize is the byte length of a Fingerprint.
const FingerprintSize = 32

// Fingerprint is the content hash identifying an InputBundle.
type Fingerprint [FingerprintSize]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ParseFingerprint decodes the lowercase hex form produced by String.
func ParseFingerprint(raw string) (Fingerprint, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 2*FingerprintSize {
		return Fingerprint{}, Inputf("fingerprint", "expected %d hex characters, got %d", 2*FingerprintSize, len(raw))
	}
	var fp Fingerprint
	if _, err := hex.Decode(fp[:], []byte(raw)); err != nil {
		return Fingerprint{}, &InputError{Member: "fingerprint", Reason: "not hex", Err: err}
	}
	if strings.ToLower(raw) != raw {
		return Fingerprint{}, Inputf("fingerprint", "must be lowercase hex")
	}
	return fp, nil
}

// RunRecord binds a fingerprint to the run that produced its output.
type RunRecord struct {
	RunID       string
	Fingerprint Fingerprint
	Backend     Backend
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r RunRecord) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if r.Fingerprint.IsZero() {
		return fmt.Errorf("fingerprint is required")
	}
	if !r.Backend.Valid() {
		return fmt.Errorf("backend %q is not supported", r.Backend)
	}
	return nil
}
