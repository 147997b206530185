// Package acme is the boundary to the ACME protocol. The rest of the tool
// only sees the Client interface and the plain Order/Authorization/Challenge
// structs defined here; the wire protocol itself (JWS signing, nonces,
// directory discovery) is delegated to a concrete implementation.
package acme

import "context"

// Status values reported for orders, authorizations and challenges
// (RFC 8555 §7.1.6).
const (
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusReady       = "ready"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusExpired     = "expired"
	StatusDeactivated = "deactivated"
)

// Challenge types this tool knows how to complete.
const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// Order is one certificate request covering a set of domains.
type Order struct {
	URL            string
	Status         string
	Authorizations []string
	FinalizeURL    string
	CertificateURL string
}

// Authorization is the proof-of-control state for one domain within an order.
type Authorization struct {
	URL        string
	Status     string
	Domain     string
	Wildcard   bool
	Challenges []Challenge
}

// Challenge is one validation method offered by an authorization.
type Challenge struct {
	Type   string
	URL    string
	Status string
	Token  string
}

// Client is the external ACME capability.
type Client interface {
	// TermsOfService returns the URL of the CA's current terms of service.
	TermsOfService(ctx context.Context) (string, error)

	// Register creates a new account for the key the client was built with
	// and returns the account URL. Registration implies agreement with the
	// CA's terms of service; callers must obtain that agreement first.
	Register(ctx context.Context, email string) (string, error)

	// NewOrder creates an order covering the given domains.
	NewOrder(ctx context.Context, domains []string) (*Order, error)

	// Authorization fetches the current state of an authorization.
	Authorization(ctx context.Context, authzURL string) (*Authorization, error)

	// Accept tells the CA the challenge response is ready to be verified.
	Accept(ctx context.Context, chal Challenge) error

	// KeyAuthorization computes the key authorization string for a
	// challenge token under the account key.
	KeyAuthorization(token string) (string, error)

	// Finalize submits the CSR for a fully-authorized order and returns the
	// PEM-encoded certificate chain, leaf first. The context's deadline
	// bounds the whole operation.
	Finalize(ctx context.Context, order *Order, csr []byte) ([]byte, error)
}
