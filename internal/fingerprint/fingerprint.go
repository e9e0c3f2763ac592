// Package fingerprint derives the cache key of a simulation input bundle.
//
// The digest covers the canonical form of the configuration document and the
// exact bytes of each auxiliary artifact in the order fixed by
// domain.AuxiliaryMembers. Every field is framed with its member name and
// length, so bytes cannot migrate across a member boundary without changing
// the result. Auxiliary bytes are never normalised: a whitespace change in a
// CSV file yields a new fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/episim-labs/episim-go/internal/domain"
)

// Version prefixes every digest; bump it when the framing changes.
const Version = "episim/bundle/v1"

// Of fingerprints a whole bundle.
func Of(bundle domain.InputBundle) (domain.Fingerprint, error) {
	return Compute(bundle.Config, bundle.Auxiliary())
}

// Compute fingerprints a configuration document and its auxiliary artifacts.
// aux must list exactly the members of domain.AuxiliaryMembers in that order.
func Compute(config []byte, aux []domain.Artifact) (domain.Fingerprint, error) {
	if len(aux) != len(domain.AuxiliaryMembers) {
		return domain.Fingerprint{}, domain.Inputf("bundle", "expected %d auxiliary artifacts, got %d", len(domain.AuxiliaryMembers), len(aux))
	}
	for i, a := range aux {
		if a.Member != domain.AuxiliaryMembers[i] {
			return domain.Fingerprint{}, domain.Inputf(string(a.Member), "out of order: position %d belongs to %s", i, domain.AuxiliaryMembers[i])
		}
	}

	canonical, err := Canonicalize(config)
	if err != nil {
		return domain.Fingerprint{}, &domain.InputError{Member: string(domain.MemberConfig), Reason: "cannot canonicalize", Err: err}
	}

	h := sha256.New()
	h.Write([]byte(Version))
	h.Write([]byte{0x00})
	writeField(h, string(domain.MemberConfig), canonical)
	for _, a := range aux {
		writeField(h, string(a.Member), a.Data)
	}

	var fp domain.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, nil
}

func writeField(h hash.Hash, name string, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(name)))
	h.Write(length[:])
	h.Write([]byte(name))
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	h.Write(length[:])
	h.Write(data)
}
