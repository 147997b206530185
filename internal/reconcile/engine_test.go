package reconcile

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sloonz/acmetool/internal/acme"
	"github.com/sloonz/acmetool/internal/hook"
	"github.com/sloonz/acmetool/internal/solver"
	"github.com/sloonz/acmetool/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPoll() solver.PollPolicy {
	return solver.PollPolicy{InitialInterval: 5 * time.Millisecond, MaxElapsed: 2 * time.Second}
}

// makeChainPEM builds a self-signed leaf for the given names plus a fake
// issuer, concatenated leaf first.
func makeChainPEM(t *testing.T, names []string, notAfter time.Time) []byte {
	t.Helper()
	var chain []byte
	for i, cn := range []string{names[0], "Fake Issuing CA"} {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(int64(i + 1)),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     notAfter,
		}
		if i == 0 {
			tmpl.DNSNames = names
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		require.NoError(t, err)
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return chain
}

// seedCert persists a chain for the given names and points every name's live
// binding at it.
func seedCert(t *testing.T, store *storage.Store, orderURL string, names []string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keyID, err := storage.KeyID(key)
	require.NoError(t, err)
	require.NoError(t, store.WriteCertKey(keyID, certcrypto.PEMEncode(key)))
	_, err = store.WriteCert(orderURL, makeChainPEM(t, names, notAfter), keyID)
	require.NoError(t, err)
	for _, name := range names {
		require.NoError(t, store.SetLiveBinding(orderURL, name))
	}
}

// fakeACME is a full in-memory ACME capability: every domain of an order
// gets a pending authorization with one http-01 challenge that validates as
// soon as it is accepted.
type fakeACME struct {
	mu             sync.Mutex
	t              *testing.T
	orderCount     int
	orderedDomains [][]string
	csrDomains     []string
	authz          map[string]*fakeAuthz
	failDomain     string
	notAfter       time.Time
}

type fakeAuthz struct {
	domain  string
	status  string
	chalURL string
	token   string
}

func newFakeACME(t *testing.T, notAfter time.Time) *fakeACME {
	return &fakeACME{t: t, authz: make(map[string]*fakeAuthz), notAfter: notAfter}
}

func (f *fakeACME) NewOrder(_ context.Context, domains []string) (*acme.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCount++
	f.orderedDomains = append(f.orderedDomains, append([]string{}, domains...))

	order := &acme.Order{
		URL:         fmt.Sprintf("https://ca.example/order/%d", f.orderCount),
		Status:      acme.StatusPending,
		FinalizeURL: fmt.Sprintf("https://ca.example/order/%d/finalize", f.orderCount),
	}
	for _, domain := range domains {
		url := fmt.Sprintf("https://ca.example/authz/%d/%s", f.orderCount, domain)
		f.authz[url] = &fakeAuthz{
			domain:  domain,
			status:  acme.StatusPending,
			chalURL: url + "/http",
			token:   "tok-" + domain,
		}
		order.Authorizations = append(order.Authorizations, url)
	}
	return order, nil
}

func (f *fakeACME) Authorization(_ context.Context, url string) (*acme.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	az, ok := f.authz[url]
	if !ok {
		return nil, errors.New("unknown authorization " + url)
	}
	return &acme.Authorization{
		URL:    url,
		Status: az.status,
		Domain: az.domain,
		Challenges: []acme.Challenge{
			{Type: acme.ChallengeHTTP01, URL: az.chalURL, Status: acme.StatusPending, Token: az.token},
		},
	}, nil
}

func (f *fakeACME) Accept(_ context.Context, chal acme.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, az := range f.authz {
		if az.chalURL == chal.URL {
			if az.domain == f.failDomain {
				az.status = acme.StatusInvalid
			} else {
				az.status = acme.StatusValid
			}
			return nil
		}
	}
	return errors.New("unknown challenge " + chal.URL)
}

func (f *fakeACME) KeyAuthorization(token string) (string, error) {
	return token + ".keyauth", nil
}

func (f *fakeACME) Finalize(_ context.Context, order *acme.Order, csr []byte) ([]byte, error) {
	req, err := x509.ParseCertificateRequest(csr)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.csrDomains = append([]string{}, req.DNSNames...)
	f.mu.Unlock()
	return makeChainPEM(f.t, req.DNSNames, f.notAfter), nil
}

func (f *fakeACME) TermsOfService(context.Context) (string, error) { return "", nil }
func (f *fakeACME) Register(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}

type engineFixture struct {
	store  *storage.Store
	fake   *fakeACME
	engine *Engine
	marker string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)

	hooksDir := t.TempDir()
	marker := filepath.Join(t.TempDir(), "live-updated")
	script := "#!/bin/sh\ncase \"$1\" in\nlive-updated) echo fired >> " + marker + "; exit 0 ;;\n*) exit 42 ;;\nesac\n"
	require.NoError(t, os.WriteFile(filepath.Join(hooksDir, "notify"), []byte(script), 0o755))

	webroot := t.TempDir()
	fake := newFakeACME(t, time.Now().Add(90*24*time.Hour))
	hooks := hook.NewRunner(hooksDir, testLogger())
	slv := solver.New(fake, hooks, []string{webroot}, fastPoll(), testLogger())
	engine := New(store, fake, slv, hooks, 2048, testLogger())

	return &engineFixture{store: store, fake: fake, engine: engine, marker: marker}
}

func (fx *engineFixture) desire(t *testing.T, name, yaml string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(fx.store.Root(), "desired", name), []byte(yaml), 0o644))
}

func (fx *engineFixture) markerLines(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(fx.marker)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "\n")
}

func TestRunEndToEnd(t *testing.T) {
	fx := newEngineFixture(t)
	fx.desire(t, "site", `{"satisfy":{"names":["a.example","b.example"]}}`)

	require.NoError(t, fx.engine.Run(context.Background()))

	// One order, covering exactly the group's names.
	require.Len(t, fx.fake.orderedDomains, 1)
	assert.ElementsMatch(t, []string{"a.example", "b.example"}, fx.fake.orderedDomains[0])
	assert.ElementsMatch(t, []string{"a.example", "b.example"}, fx.fake.csrDomains)

	// One fresh key.
	keys, err := os.ReadDir(filepath.Join(fx.store.Root(), "keys"))
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	// Both domains bound to the same certificate directory.
	certA, err := fx.store.LiveBinding("a.example")
	require.NoError(t, err)
	certB, err := fx.store.LiveBinding("b.example")
	require.NoError(t, err)
	assert.Equal(t, certA, certB)

	url, err := os.ReadFile(filepath.Join(fx.store.Root(), "certs", certA, "url"))
	require.NoError(t, err)
	assert.Equal(t, "https://ca.example/order/1\n", string(url))

	leaf, err := fx.store.LiveCertificate("a.example")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.example", "b.example"}, leaf.DNSNames)

	assert.Equal(t, 1, fx.markerLines(t), "live-updated fires once per pass")
}

func TestRunAggregationFailure(t *testing.T) {
	fx := newEngineFixture(t)
	fx.fake.failDomain = "b.example"
	fx.desire(t, "site", `{"satisfy":{"names":["a.example","b.example","c.example"]}}`)

	err := fx.engine.Run(context.Background())
	require.Error(t, err)

	// One failed authorization fails the whole group: nothing persisted.
	for _, sub := range []string{"keys", "certs", "live"} {
		entries, err := os.ReadDir(filepath.Join(fx.store.Root(), sub))
		require.NoError(t, err)
		assert.Empty(t, entries, sub)
	}
	assert.Equal(t, 0, fx.markerLines(t), "no renewal, no live-updated")
}

func TestRunGroupFailureIsIsolated(t *testing.T) {
	fx := newEngineFixture(t)
	fx.fake.failDomain = "bad.example"
	fx.desire(t, "a-bad", `{"satisfy":{"names":["bad.example"]}}`)
	fx.desire(t, "b-good", `{"satisfy":{"names":["good.example"]}}`)

	err := fx.engine.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 groups failed")

	// The healthy group still got its certificate and the notification.
	_, err = fx.store.LiveBinding("good.example")
	assert.NoError(t, err)
	_, err = fx.store.LiveBinding("bad.example")
	assert.ErrorIs(t, err, storage.ErrNoBinding)
	assert.Equal(t, 1, fx.markerLines(t))
}

func TestRunIdempotent(t *testing.T) {
	fx := newEngineFixture(t)
	fx.desire(t, "site", `{"satisfy":{"names":["a.example","b.example"]}}`)

	require.NoError(t, fx.engine.Run(context.Background()))
	require.Equal(t, 1, fx.fake.orderCount)

	// Certificates are fresh: the second pass performs no orders, no writes
	// and no notification.
	require.NoError(t, fx.engine.Run(context.Background()))
	assert.Equal(t, 1, fx.fake.orderCount)

	keys, err := os.ReadDir(filepath.Join(fx.store.Root(), "keys"))
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Equal(t, 1, fx.markerLines(t))
}

func TestRunRenewsExpiring(t *testing.T) {
	fx := newEngineFixture(t)
	seedCert(t, fx.store, "https://ca.example/old-order", []string{"a.example"},
		time.Now().Add(10*24*time.Hour))
	fx.desire(t, "site", `{"satisfy":{"names":["a.example"]}}`)

	oldCert, err := fx.store.LiveBinding("a.example")
	require.NoError(t, err)

	require.NoError(t, fx.engine.Run(context.Background()))

	newCert, err := fx.store.LiveBinding("a.example")
	require.NoError(t, err)
	assert.NotEqual(t, oldCert, newCert, "binding re-pointed at the renewed certificate")
}
