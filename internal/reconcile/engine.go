// Package reconcile drives the desired certificate groups against the
// persisted store, renewing through the ACME capability where the renewal
// policy demands it.
package reconcile

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"golang.org/x/sync/errgroup"

	"github.com/sloonz/acmetool/internal/acme"
	"github.com/sloonz/acmetool/internal/hook"
	"github.com/sloonz/acmetool/internal/solver"
	"github.com/sloonz/acmetool/internal/storage"
)

const (
	// workerLimit bounds the per-order authorization fan-out.
	workerLimit = 5

	// finalizeTimeout bounds order finalization and certificate download.
	finalizeTimeout = 30 * time.Second
)

// Engine is the top-level reconciliation driver. Groups are processed one at
// a time; the only concurrency is the authorization fan-out within a group's
// order.
type Engine struct {
	store      *storage.Store
	client     acme.Client
	solver     *solver.Solver
	hooks      *hook.Runner
	rsaKeySize int
	logger     *slog.Logger

	now func() time.Time
}

// New builds an engine over an opened store.
func New(store *storage.Store, client acme.Client, slv *solver.Solver, hooks *hook.Runner, rsaKeySize int, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		client:     client,
		solver:     slv,
		hooks:      hooks,
		rsaKeySize: rsaKeySize,
		logger:     logger.With("component", "reconcile"),
		now:        time.Now,
	}
}

// Run reconciles every desired group. A failing group leaves its live
// bindings untouched and does not stop later groups; the returned error
// summarizes how many groups failed. The live-updated event fires once iff
// at least one group was actually renewed.
func (e *Engine) Run(ctx context.Context) error {
	groups, err := e.store.DesiredGroups()
	if err != nil {
		return err
	}

	renewed, failed := 0, 0
	for _, group := range groups {
		ok, err := e.reconcileGroup(ctx, group)
		if err != nil {
			e.logger.Error("group reconciliation failed",
				"group", group.Name, "domains", group.Names, "error", err)
			failed++
			continue
		}
		if ok {
			renewed++
		}
	}

	if renewed > 0 {
		if _, err := e.hooks.Run(ctx, hook.EventLiveUpdated, "", "", nil); err != nil {
			e.logger.Warn("live-updated hook failed", "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("reconcile: %d of %d groups failed", failed, len(groups))
	}
	return nil
}

// reconcileGroup applies the renewal policy to one group and, when renewal
// is needed, orders a certificate covering exactly the group's names. It
// reports whether the group was renewed.
func (e *Engine) reconcileGroup(ctx context.Context, group storage.DesiredGroup) (bool, error) {
	logger := e.logger.With("group", group.Name)

	need, err := e.groupNeedsRenewal(group, e.now())
	if err != nil {
		return false, err
	}
	if !need {
		logger.Debug("group up to date", "domains", group.Names)
		return false, nil
	}
	logger.Info("renewing group", "domains", group.Names)

	key, err := certcrypto.GeneratePrivateKey(e.keyType())
	if err != nil {
		return false, fmt.Errorf("reconcile: generate certificate key: %w", err)
	}
	keyID, err := storage.KeyID(key.(crypto.Signer))
	if err != nil {
		return false, err
	}
	csr, err := certcrypto.GenerateCSR(key, group.Names[0], group.Names, false)
	if err != nil {
		return false, fmt.Errorf("reconcile: build CSR: %w", err)
	}

	order, err := e.client.NewOrder(ctx, group.Names)
	if err != nil {
		return false, err
	}
	if err := e.authorize(ctx, order); err != nil {
		return false, err
	}

	fctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()
	chain, err := e.client.Finalize(fctx, order, csr)
	if err != nil {
		return false, err
	}

	// Key first, certificate second, bindings last: a binding must never
	// point at material that is not fully on disk.
	if err := e.store.WriteCertKey(keyID, certcrypto.PEMEncode(key)); err != nil {
		return false, err
	}
	certID, err := e.store.WriteCert(order.URL, chain, keyID)
	if err != nil {
		return false, err
	}
	for _, domain := range group.Names {
		if err := e.store.SetLiveBinding(order.URL, domain); err != nil {
			return false, err
		}
	}
	logger.Info("certificate issued", "cert", certID, "domains", group.Names)
	return true, nil
}

// authorize resolves every authorization of an order through a bounded task
// group. All spawned tasks are joined before the order may be finalized;
// failures across authorizations are aggregated into one error.
func (e *Engine) authorize(ctx context.Context, order *acme.Order) error {
	results := make([]error, len(order.Authorizations))

	var g errgroup.Group
	g.SetLimit(workerLimit)
	for i, authzURL := range order.Authorizations {
		g.Go(func() error {
			results[i] = e.solver.Solve(ctx, authzURL)
			return nil
		})
	}
	// Tasks report through the results slice, never through the group.
	_ = g.Wait()

	if err := errors.Join(results...); err != nil {
		return fmt.Errorf("reconcile: order %s: %w", order.URL, err)
	}
	return nil
}

func (e *Engine) keyType() certcrypto.KeyType {
	switch e.rsaKeySize {
	case 3072:
		return certcrypto.RSA3072
	case 4096:
		return certcrypto.RSA4096
	default:
		return certcrypto.RSA2048
	}
}
