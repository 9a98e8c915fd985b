package attestation

import (
	"crypto"
	"fmt"
	"time"

	"github.com/gobeyondidentity/verdict/pkg/credential"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

// ResolveKey returns the quote signing key enrolled for a device.
func ResolveKey(dev *store.Device) (crypto.PublicKey, error) {
	if len(dev.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: device %d has no enrolled key", ErrNoMatchingKey, dev.ID)
	}
	key, err := credential.ParseQuoteKey(dev.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMatchingKey, err)
	}
	return key, nil
}

// ResolvePolicy picks the policy evidence is appraised against at time at.
//
// Active template policies take priority over concrete ones: a device that
// has not been baselined yet must have its first report captured. Among the
// candidates of the winning kind, the policy whose validity window started
// most recently wins; a policy without valid_from counts as started at the
// beginning of time. Remaining ties go to the higher id, the policy created
// last. This makes a scheduled update take over from its predecessor as soon
// as its window opens.
func ResolvePolicy(policies []*store.Policy, at time.Time) (*store.Policy, error) {
	var bestTemplate, bestConcrete *store.Policy
	for _, p := range policies {
		if !p.ActiveAt(at) {
			continue
		}
		if p.IsTemplate() {
			if supersedes(p, bestTemplate) {
				bestTemplate = p
			}
		} else if supersedes(p, bestConcrete) {
			bestConcrete = p
		}
	}

	if bestTemplate != nil {
		return bestTemplate, nil
	}
	if bestConcrete != nil {
		return bestConcrete, nil
	}
	return nil, ErrNoActivePolicy
}

// supersedes reports whether p should be chosen over current.
func supersedes(p, current *store.Policy) bool {
	if current == nil {
		return true
	}
	pf, cf := startOf(p), startOf(current)
	if !pf.Equal(cf) {
		return pf.After(cf)
	}
	return p.ID > current.ID
}

func startOf(p *store.Policy) time.Time {
	if p.ValidFrom == nil {
		return time.Time{}
	}
	return *p.ValidFrom
}
