package acme

import (
	"context"
	"crypto"
	"fmt"
	"net/http"
	"time"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
)

const userAgent = "acmetool"

// orderPollInterval is the wait between order status checks while the CA is
// processing a finalized order. The caller's context deadline bounds the
// overall wait.
const orderPollInterval = time.Second

// LegoClient implements Client on top of lego's low-level protocol core.
type LegoClient struct {
	core *api.Core
}

var _ Client = (*LegoClient)(nil)

// NewLegoClient builds a client for one directory URL and one account key.
// accountURL is the registered account's URL (the JWS key ID); leave it empty
// for an account that has not been registered yet.
func NewLegoClient(directoryURL, accountURL string, key crypto.PrivateKey) (*LegoClient, error) {
	core, err := api.New(&http.Client{Timeout: 30 * time.Second}, userAgent, directoryURL, accountURL, key)
	if err != nil {
		return nil, fmt.Errorf("acme: create protocol core for %s: %w", directoryURL, err)
	}
	return &LegoClient{core: core}, nil
}

func (c *LegoClient) TermsOfService(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.core.GetDirectory().Meta.TermsOfService, nil
}

func (c *LegoClient) Register(ctx context.Context, email string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	acct, err := c.core.Accounts.New(legoacme.Account{
		TermsOfServiceAgreed: true,
		Contact:              []string{"mailto:" + email},
	})
	if err != nil {
		return "", fmt.Errorf("acme: register account for %s: %w", email, err)
	}
	return acct.Location, nil
}

func (c *LegoClient) NewOrder(ctx context.Context, domains []string) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ord, err := c.core.Orders.New(domains)
	if err != nil {
		return nil, fmt.Errorf("acme: create order for %v: %w", domains, err)
	}
	return &Order{
		URL:            ord.Location,
		Status:         ord.Status,
		Authorizations: ord.Authorizations,
		FinalizeURL:    ord.Finalize,
		CertificateURL: ord.Certificate,
	}, nil
}

func (c *LegoClient) Authorization(ctx context.Context, authzURL string) (*Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	authz, err := c.core.Authorizations.Get(authzURL)
	if err != nil {
		return nil, fmt.Errorf("acme: fetch authorization %s: %w", authzURL, err)
	}
	out := &Authorization{
		URL:      authzURL,
		Status:   authz.Status,
		Domain:   authz.Identifier.Value,
		Wildcard: authz.Wildcard,
	}
	for _, ch := range authz.Challenges {
		out.Challenges = append(out.Challenges, Challenge{
			Type:   ch.Type,
			URL:    ch.URL,
			Status: ch.Status,
			Token:  ch.Token,
		})
	}
	return out, nil
}

func (c *LegoClient) Accept(ctx context.Context, chal Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.core.Challenges.New(chal.URL); err != nil {
		return fmt.Errorf("acme: accept %s challenge: %w", chal.Type, err)
	}
	return nil
}

func (c *LegoClient) KeyAuthorization(token string) (string, error) {
	return c.core.GetKeyAuthorization(token)
}

func (c *LegoClient) Finalize(ctx context.Context, order *Order, csr []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ord, err := c.core.Orders.UpdateForCSR(order.FinalizeURL, csr)
	if err != nil {
		return nil, fmt.Errorf("acme: finalize order %s: %w", order.URL, err)
	}

	status, certURL := ord.Status, ord.Certificate
	for status == StatusProcessing || (status == StatusValid && certURL == "") {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acme: order %s not issued before deadline: %w", order.URL, ctx.Err())
		case <-time.After(orderPollInterval):
		}
		cur, err := c.core.Orders.Get(order.URL)
		if err != nil {
			return nil, fmt.Errorf("acme: poll order %s: %w", order.URL, err)
		}
		status, certURL = cur.Status, cur.Certificate
	}
	if status != StatusValid {
		return nil, fmt.Errorf("acme: order %s ended in status %q", order.URL, status)
	}

	chain, _, err := c.core.Certificates.Get(certURL, true)
	if err != nil {
		return nil, fmt.Errorf("acme: download certificate %s: %w", certURL, err)
	}
	return chain, nil
}
