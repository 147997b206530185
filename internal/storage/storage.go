// Package storage owns the on-disk state layout:
//
//	accounts/<provider-id>/<key-id>/{privkey,url}   owner-only
//	keys/<key-id>/privkey                           owner-only
//	certs/<uri-fingerprint>/{fullchain,chain,cert,url,privkey}
//	live/<domain> -> ../certs/<uri-fingerprint>
//	desired/<group>                                 operator-written YAML
//	conf/target
//	tmp/                                            owner-only scratch space
//
// Certificate directories are world-readable, key material never is, and the
// permission bits are re-asserted on every Open so a state directory that
// drifted is brought back in line.
package storage

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNoBinding is returned when a domain has no live binding.
	ErrNoBinding = errors.New("storage: no live binding")

	// ErrNoAccount is returned when no account is registered for a provider.
	ErrNoAccount = errors.New("storage: no account registered")
)

var subtrees = []struct {
	name string
	perm os.FileMode
}{
	{"accounts", 0o700},
	{"keys", 0o700},
	{"tmp", 0o700},
	{"certs", 0o755},
	{"conf", 0o755},
	{"desired", 0o755},
	{"live", 0o755},
}

// Store manages one state directory.
type Store struct {
	root string
}

// Open ensures the state directory layout exists with the expected
// permission bits and returns a store over it.
func Open(root string) (*Store, error) {
	if err := ensureDir(root, 0o755); err != nil {
		return nil, err
	}
	for _, sub := range subtrees {
		if err := ensureDir(filepath.Join(root, sub.name), sub.perm); err != nil {
			return nil, err
		}
	}
	return &Store{root: root}, nil
}

// Root returns the state directory path.
func (s *Store) Root() string { return s.root }

// TargetPath returns the path of the target configuration file.
func (s *Store) TargetPath() string { return filepath.Join(s.root, "conf", "target") }

// Fingerprint returns the lowercase hex SHA-256 of data. It names accounts
// (over the directory URL), keys (over the PKIX public key) and certificates
// (over the order URL).
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// KeyID derives the storage identifier for a private key from its public
// half.
func KeyID(key crypto.Signer) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return "", fmt.Errorf("storage: marshal public key: %w", err)
	}
	return Fingerprint(der), nil
}

// WriteCertKey persists a freshly generated certificate private key under an
// owner-only directory. The key file permissions are in place before any key
// bytes are written.
func (s *Store) WriteCertKey(keyID string, keyPEM []byte) error {
	dir := filepath.Join(s.root, "keys", keyID)
	if err := ensureDir(dir, 0o700); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, "privkey"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("storage: write key %s: %w", keyID, err)
	}
	return nil
}

// WriteCert persists a certificate chain under certs/<fingerprint of
// orderURL>: the full chain, the chain without the leaf, the bare leaf and
// the order URL, plus a relative link back to the owning key's privkey file.
// It returns the certificate's storage identifier.
func (s *Store) WriteCert(orderURL string, chainPEM []byte, keyID string) (string, error) {
	blocks := splitPEM(chainPEM)
	if len(blocks) == 0 {
		return "", fmt.Errorf("storage: no PEM certificates in chain for order %s", orderURL)
	}

	certID := Fingerprint([]byte(orderURL))
	dir := filepath.Join(s.root, "certs", certID)
	if err := ensureDir(dir, 0o755); err != nil {
		return "", err
	}

	files := map[string][]byte{
		"fullchain": joinPEM(blocks),
		"chain":     joinPEM(blocks[1:]),
		"cert":      joinPEM(blocks[:1]),
		"url":       []byte(orderURL + "\n"),
	}
	for name, data := range files {
		if err := writeFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return "", fmt.Errorf("storage: write cert %s: %w", certID, err)
		}
	}

	// Link, never copy, the private key into the certificate directory.
	link := filepath.Join(dir, "privkey")
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("storage: replace key link for cert %s: %w", certID, err)
	}
	target := filepath.Join("..", "..", "keys", keyID, "privkey")
	if err := os.Symlink(target, link); err != nil {
		return "", fmt.Errorf("storage: link key for cert %s: %w", certID, err)
	}
	return certID, nil
}

// SetLiveBinding points the live binding for domain at the certificate
// issued by orderURL. The certificate must already be fully persisted; the
// old link is removed and recreated, accepting a brief unlinked window.
func (s *Store) SetLiveBinding(orderURL, domain string) error {
	certID := Fingerprint([]byte(orderURL))
	if _, err := os.Stat(filepath.Join(s.root, "certs", certID, "fullchain")); err != nil {
		return fmt.Errorf("storage: refusing to bind %s to unpersisted cert %s: %w", domain, certID, err)
	}

	link := filepath.Join(s.root, "live", domain)
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: unlink live binding for %s: %w", domain, err)
	}
	if err := os.Symlink(filepath.Join("..", "certs", certID), link); err != nil {
		return fmt.Errorf("storage: bind %s to cert %s: %w", domain, certID, err)
	}
	return nil
}

// LiveBinding returns the certificate identifier the domain's live binding
// points at, or ErrNoBinding.
func (s *Store) LiveBinding(domain string) (string, error) {
	target, err := os.Readlink(filepath.Join(s.root, "live", domain))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w for %s", ErrNoBinding, domain)
	}
	if err != nil {
		return "", fmt.Errorf("storage: read live binding for %s: %w", domain, err)
	}
	return filepath.Base(target), nil
}

// LiveCertificate loads the leaf certificate the domain's live binding
// points at.
func (s *Store) LiveCertificate(domain string) (*x509.Certificate, error) {
	certID, err := s.LiveBinding(domain)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, "certs", certID, "cert"))
	if err != nil {
		return nil, fmt.Errorf("storage: read cert %s for %s: %w", certID, domain, err)
	}
	certs, err := certcrypto.ParsePEMBundle(data)
	if err != nil {
		return nil, fmt.Errorf("storage: parse cert %s for %s: %w", certID, domain, err)
	}
	return certs[0], nil
}

// LiveDomains lists every domain with a live binding, in lexical order.
func (s *Store) LiveDomains() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "live"))
	if err != nil {
		return nil, fmt.Errorf("storage: list live bindings: %w", err)
	}
	domains := make([]string, 0, len(entries))
	for _, e := range entries {
		domains = append(domains, e.Name())
	}
	return domains, nil
}

func ensureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("storage: create %s: %w", path, err)
	}
	// MkdirAll is subject to the umask and leaves existing directories
	// untouched, so assert the bits explicitly.
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("storage: chmod %s: %w", path, err)
	}
	return nil
}

// writeFile creates the file, fixes its permission bits, and only then
// writes content, so there is never a window where sensitive bytes sit in a
// file with wider permissions than intended.
func writeFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func splitPEM(data []byte) []*pem.Block {
	var blocks []*pem.Block
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return blocks
		}
		blocks = append(blocks, block)
	}
}

func joinPEM(blocks []*pem.Block) []byte {
	var out []byte
	for _, block := range blocks {
		out = append(out, pem.EncodeToMemory(block)...)
	}
	return out
}

// DesiredGroup is an operator-declared set of domain names that must share
// one certificate. Name is the defining file's name.
type DesiredGroup struct {
	Name  string
	Names []string
}

type desiredFile struct {
	Satisfy struct {
		Names []string `yaml:"names"`
	} `yaml:"satisfy"`
}

// DesiredGroups re-reads every group definition under desired/, in
// directory-listing order. A group file that cannot be parsed or declares no
// names is an error rather than a silently skipped group.
func (s *Store) DesiredGroups() ([]DesiredGroup, error) {
	dir := filepath.Join(s.root, "desired")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: list desired groups: %w", err)
	}
	var groups []DesiredGroup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("storage: read desired group %s: %w", e.Name(), err)
		}
		var df desiredFile
		if err := yaml.Unmarshal(data, &df); err != nil {
			return nil, fmt.Errorf("storage: parse desired group %s: %w", e.Name(), err)
		}
		if len(df.Satisfy.Names) == 0 {
			return nil, fmt.Errorf("storage: desired group %s declares no names", e.Name())
		}
		groups = append(groups, DesiredGroup{Name: e.Name(), Names: df.Satisfy.Names})
	}
	return groups, nil
}

// Account is an ACME registration: a private key and the account URL the CA
// assigned to it.
type Account struct {
	URL string
	Key crypto.PrivateKey
}

// SaveAccount persists a registered account under
// accounts/<providerID>/<keyID>.
func (s *Store) SaveAccount(providerID, keyID string, keyPEM []byte, url string) error {
	if err := ensureDir(filepath.Join(s.root, "accounts", providerID), 0o700); err != nil {
		return err
	}
	dir := filepath.Join(s.root, "accounts", providerID, keyID)
	if err := ensureDir(dir, 0o700); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, "privkey"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("storage: write account key %s: %w", keyID, err)
	}
	if err := writeFile(filepath.Join(dir, "url"), []byte(url+"\n"), 0o600); err != nil {
		return fmt.Errorf("storage: write account url %s: %w", keyID, err)
	}
	return nil
}

// AccountFor loads the account registered against a provider. When several
// accounts exist the lexicographically first is used; multi-account
// selection is otherwise unspecified and unsupported.
func (s *Store) AccountFor(providerID string) (*Account, error) {
	dir := filepath.Join(s.root, "accounts", providerID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoAccount
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list accounts: %w", err)
	}

	var keyID string
	for _, e := range entries {
		if e.IsDir() {
			keyID = e.Name()
			break
		}
	}
	if keyID == "" {
		return nil, ErrNoAccount
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, keyID, "privkey"))
	if err != nil {
		return nil, fmt.Errorf("storage: read account key %s: %w", keyID, err)
	}
	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("storage: parse account key %s: %w", keyID, err)
	}
	url, err := os.ReadFile(filepath.Join(dir, keyID, "url"))
	if err != nil {
		return nil, fmt.Errorf("storage: read account url %s: %w", keyID, err)
	}
	return &Account{URL: strings.TrimSpace(string(url)), Key: key}, nil
}
