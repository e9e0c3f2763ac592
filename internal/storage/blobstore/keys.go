package blobstore

import (
	"strings"

	"github.com/episim-labs/episim-go/internal/domain"
)

const (
	OutputPrefix = "outputs/"
	ParamsPrefix = "params/"
)

// OutputKey is where the output of runID is stored.
func OutputKey(runID string) string {
	return OutputPrefix + runID + ".nc.gz"
}

// ParamsKey is where the parameter archive of fp is stored.
func ParamsKey(fp domain.Fingerprint) string {
	return ParamsPrefix + fp.String() + ".tar.gz"
}

// ValidateKey accepts slash-separated segments of [A-Za-z0-9._-], none of
// them empty, "." or "..". Keys map onto file paths, so this also rules out
// escaping the blob root.
func ValidateKey(key string) error {
	if key == "" {
		return domain.Inputf("key", "is required")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return domain.Inputf("key", "%q has an empty or relative segment", key)
		}
		for _, r := range seg {
			if !keyRune(r) {
				return domain.Inputf("key", "%q contains %q", key, r)
			}
		}
	}
	return nil
}

func keyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}
