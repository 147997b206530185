package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/sloonz/acmetool/internal/storage"
)

// RenewalThreshold is how much remaining leaf validity a live binding must
// retain for its domain to be considered covered.
const RenewalThreshold = 30 * 24 * time.Hour

// needsRenewal reports whether the domain requires a fresh certificate: it
// has no live binding, or the bound leaf expires within RenewalThreshold.
// A binding that exists but cannot be loaded or parsed is a broken state
// directory, not a renewal trigger; it fails the check loudly.
func (e *Engine) needsRenewal(domain string, now time.Time) (bool, error) {
	cert, err := e.store.LiveCertificate(domain)
	if errors.Is(err, storage.ErrNoBinding) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reconcile: inspect live binding for %s: %w", domain, err)
	}
	return now.Add(RenewalThreshold).After(cert.NotAfter), nil
}

// groupNeedsRenewal is the logical OR of needsRenewal over the group's
// members: one expiring domain renews the whole group.
func (e *Engine) groupNeedsRenewal(group storage.DesiredGroup, now time.Time) (bool, error) {
	for _, domain := range group.Names {
		need, err := e.needsRenewal(domain, now)
		if err != nil {
			return false, err
		}
		if need {
			return true, nil
		}
	}
	return false, nil
}
