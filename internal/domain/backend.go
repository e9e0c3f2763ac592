package domain

import "strings"

// Backend selects the computational engine of the external simulation.
type Backend string

const (
	BackendMMCACovid19Vac Backend = "MMCACovid19Vac"
	BackendMMCACovid19    Backend = "MMCACovid19"
)

// DefaultBackend is used when a request does not name an engine.
const DefaultBackend = BackendMMCACovid19Vac

var knownBackends = []Backend{BackendMMCACovid19Vac, BackendMMCACovid19}

// Backends lists the accepted selectors in presentation order.
func Backends() []Backend {
	out := make([]Backend, len(knownBackends))
	copy(out, knownBackends)
	return out
}

// ParseBackend accepts a selector exactly as listed by Backends; an empty
// value yields DefaultBackend.
func ParseBackend(raw string) (Backend, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultBackend, nil
	}
	for _, b := range knownBackends {
		if string(b) == raw {
			return b, nil
		}
	}
	return "", Inputf("engine", "unsupported backend %q", raw)
}

func (b Backend) Valid() bool {
	for _, known := range knownBackends {
		if b == known {
			return true
		}
	}
	return false
}
