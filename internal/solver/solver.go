// Package solver drives a single domain-validation authorization from
// pending to a terminal status, completing a challenge through external
// hooks or local webroot file drops.
package solver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/challenge/http01"

	"github.com/sloonz/acmetool/internal/acme"
	"github.com/sloonz/acmetool/internal/hook"
)

// ErrNoChallenge is returned when no offered challenge produced an
// acceptance signal.
var ErrNoChallenge = errors.New("solver: no challenge accepted")

var errStillPending = errors.New("solver: authorization still pending")

// PollPolicy bounds the wait for an authorization to reach a terminal
// status. Polling starts at InitialInterval and backs off exponentially
// until MaxElapsed has passed.
type PollPolicy struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// Solver resolves authorizations for one reconciliation pass.
type Solver struct {
	client   acme.Client
	hooks    *hook.Runner
	webroots []string
	poll     PollPolicy
	logger   *slog.Logger
}

// New returns a solver using the given ACME capability, hook runner and
// webroot paths.
func New(client acme.Client, hooks *hook.Runner, webroots []string, poll PollPolicy, logger *slog.Logger) *Solver {
	return &Solver{
		client:   client,
		hooks:    hooks,
		webroots: webroots,
		poll:     poll,
		logger:   logger.With("component", "solver"),
	}
}

// stop is an armed revert action: a stop event owed to hooks that were
// offered the matching start event.
type stop struct {
	event  string
	domain string
	extra  string
}

// attempt tracks the side effects of one authorization so they can be
// reverted once the authorization is terminal, whatever the outcome.
type attempt struct {
	stops []stop
	files []string
}

// Solve runs one authorization to a terminal status. It returns nil iff the
// authorization ended valid.
func (s *Solver) Solve(ctx context.Context, authzURL string) error {
	authz, err := s.client.Authorization(ctx, authzURL)
	if err != nil {
		return err
	}
	logger := s.logger.With("domain", authz.Domain)

	if authz.Status == acme.StatusValid {
		logger.Debug("authorization already valid")
		return nil
	}

	att := &attempt{}
	// Revert uses a detached context: started side effects must be undone
	// even when the pass itself is being cancelled.
	defer s.revert(context.WithoutCancel(ctx), att, logger)

	accepted, err := s.startChallenge(ctx, authz, att, logger)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("%w for %s", ErrNoChallenge, authz.Domain)
	}

	status, err := s.await(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("solver: wait for %s: %w", authz.Domain, err)
	}
	if status != acme.StatusValid {
		return fmt.Errorf("solver: authorization for %s ended in status %q", authz.Domain, status)
	}
	logger.Info("authorization validated")
	return nil
}

// startChallenge walks the offered challenges in the order presented and
// submits the response for the first one that produces an acceptance signal.
func (s *Solver) startChallenge(ctx context.Context, authz *acme.Authorization, att *attempt, logger *slog.Logger) (bool, error) {
	for _, ch := range authz.Challenges {
		switch ch.Type {
		case acme.ChallengeDNS01:
			ok, err := s.startDNS(ctx, authz.Domain, ch, att, logger)
			if err != nil {
				return false, err
			}
			if ok {
				return true, s.client.Accept(ctx, ch)
			}
		case acme.ChallengeHTTP01:
			ok, err := s.startHTTP(ctx, authz.Domain, ch, att, logger)
			if err != nil {
				return false, err
			}
			if ok {
				return true, s.client.Accept(ctx, ch)
			}
		default:
			logger.Debug("skipping unsupported challenge", "type", ch.Type)
		}
	}
	return false, nil
}

func (s *Solver) startDNS(ctx context.Context, domain string, ch acme.Challenge, att *attempt, logger *slog.Logger) (bool, error) {
	keyAuth, err := s.client.KeyAuthorization(ch.Token)
	if err != nil {
		return false, fmt.Errorf("solver: key authorization for %s: %w", domain, err)
	}
	info := dns01.GetChallengeInfo(domain, keyAuth)

	// The stop event is owed as soon as hooks were offered the start event,
	// acceptance or not: a hook may have started a side effect and then
	// failed.
	att.stops = append(att.stops, stop{hook.EventChallengeDNSStop, domain, info.Value})
	accepted, err := s.hooks.Run(ctx, hook.EventChallengeDNSStart, domain, info.Value, nil)
	if err != nil {
		return false, err
	}
	if accepted {
		logger.Info("dns-01 challenge installed via hook", "record", info.EffectiveFQDN)
	}
	return accepted, nil
}

func (s *Solver) startHTTP(ctx context.Context, domain string, ch acme.Challenge, att *attempt, logger *slog.Logger) (bool, error) {
	keyAuth, err := s.client.KeyAuthorization(ch.Token)
	if err != nil {
		return false, fmt.Errorf("solver: key authorization for %s: %w", domain, err)
	}

	placed := false
	for _, webroot := range s.webroots {
		path := filepath.Join(webroot, ch.Token)
		if err := os.WriteFile(path, []byte(keyAuth), 0o644); err != nil {
			logger.Warn("webroot challenge drop failed", "path", path, "error", err)
			continue
		}
		logger.Debug("placed http-01 challenge file",
			"path", path, "served_as", http01.ChallengePath(ch.Token))
		att.files = append(att.files, path)
		placed = true
	}

	att.stops = append(att.stops, stop{hook.EventChallengeHTTPStop, domain, ch.Token})
	hookAccepted, err := s.hooks.Run(ctx, hook.EventChallengeHTTPStart, domain, ch.Token, []byte(keyAuth))
	if err != nil {
		return false, err
	}
	if placed || hookAccepted {
		logger.Info("http-01 challenge installed", "webroot", placed, "hook", hookAccepted)
		return true, nil
	}
	return false, nil
}

// await polls the authorization until it leaves pending, backing off
// exponentially within the configured policy.
func (s *Solver) await(ctx context.Context, authzURL string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.poll.InitialInterval
	b.MaxElapsedTime = s.poll.MaxElapsed

	var status string
	op := func() error {
		authz, err := s.client.Authorization(ctx, authzURL)
		if err != nil {
			return backoff.Permanent(err)
		}
		status = authz.Status
		if status == acme.StatusPending || status == acme.StatusProcessing {
			return errStillPending
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errStillPending) {
			return "", fmt.Errorf("no terminal status after %s", s.poll.MaxElapsed)
		}
		return "", err
	}
	return status, nil
}

// revert deletes dropped challenge files and runs every armed stop event.
func (s *Solver) revert(ctx context.Context, att *attempt, logger *slog.Logger) {
	for _, path := range att.files {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("remove challenge file failed", "path", path, "error", err)
		}
	}
	for _, st := range att.stops {
		if _, err := s.hooks.Run(ctx, st.event, st.domain, st.extra, nil); err != nil {
			logger.Warn("stop hook failed", "event", st.event, "error", err)
		}
	}
}
