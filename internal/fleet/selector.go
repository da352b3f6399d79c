// Package fleet resolves deployment targets by tag selector and dispatches
// the per-host procedure through the command transport with bounded rolling
// concurrency.
package fleet

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// ManagedByTag marks hosts that are under this deployer's management.
	// Requiring it keeps an under-specified selector from matching
	// unrelated hosts.
	ManagedByTag   = "managed-by"
	ManagedByValue = "fleet-cd"

	EnvironmentTag = "env"
	ServiceTag     = "service"
)

// Selector is the set of tag key/value pairs a target must all carry.
type Selector struct {
	require map[string]string
}

// NewSelector builds the standard three-tag selector. Environment and
// service are mandatory; the management-provenance tag is always added.
func NewSelector(environment, service string) (Selector, error) {
	if environment == "" || service == "" {
		return Selector{}, fmt.Errorf("selector requires environment and service, got env=%q service=%q", environment, service)
	}
	return Selector{require: map[string]string{
		EnvironmentTag: environment,
		ServiceTag:     service,
		ManagedByTag:   ManagedByValue,
	}}, nil
}

// Matches reports whether tags carries every required pair.
func (s Selector) Matches(tags map[string]string) bool {
	if len(s.require) == 0 {
		return false
	}
	for k, v := range s.require {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// String renders the selector in label-selector form
// ("env=prod,managed-by=fleet-cd,service=backend-api"), which is also what
// the Kubernetes inventory passes through verbatim.
func (s Selector) String() string {
	pairs := make([]string, 0, len(s.require))
	for k, v := range s.require {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// Target is one host matched by a selector. Membership is evaluated once
// per job at dispatch time, never re-evaluated mid-flight.
type Target struct {
	Host string
	Tags map[string]string
}
