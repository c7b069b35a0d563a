// Package certstore keeps issued certificates on disk, one directory per
// server name, and derives certificate status from the files themselves.
package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/platform"
)

const (
	FullchainFile = "fullchain.pem"
	PrivkeyFile   = "privkey.pem"

	accountDir     = "_account"
	accountKeyFile = "account.key"
)

// Store reads and atomically replaces certificate bundles under one directory.
type Store struct {
	logger zerolog.Logger
	dir    string
	guard  func(func() error) error
}

// Option customizes a Store.
type Option func(*Store)

// WithSwapGuard runs every swap of a live bundle directory inside guard. Pass
// the config pipeline's lock so proxy validation never sees a bundle mid-swap.
func WithSwapGuard(guard func(func() error) error) Option {
	return func(s *Store) { s.guard = guard }
}

// New creates a Store rooted at dir.
func New(logger zerolog.Logger, dir string, opts ...Option) *Store {
	s := &Store{
		logger: logger.With().Str("component", "certstore").Logger(),
		dir:    dir,
		guard:  func(fn func() error) error { return fn() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func checkServerName(serverName string) error {
	if serverName == "" || strings.ContainsAny(serverName, `/\`) ||
		strings.HasPrefix(serverName, ".") || strings.HasPrefix(serverName, "_") {
		return &model.ValidationError{Field: "server_name", Message: fmt.Sprintf("%q cannot name a certificate directory", serverName)}
	}
	return nil
}

// Paths returns where the chain and key for serverName live.
func (s *Store) Paths(serverName string) (certPath, keyPath string) {
	dir := filepath.Join(s.dir, serverName)
	return filepath.Join(dir, FullchainFile), filepath.Join(dir, PrivkeyFile)
}

// FilesPresent reports whether both the chain and key exist.
func (s *Store) FilesPresent(serverName string) bool {
	certPath, keyPath := s.Paths(serverName)
	return fileExists(certPath) && fileExists(keyPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load parses the stored chain for serverName into a record. Status is left
// empty; it depends on the host config and the clock.
func (s *Store) Load(serverName string) (*model.CertificateRecord, error) {
	if err := checkServerName(serverName); err != nil {
		return nil, err
	}
	certPath, keyPath := s.Paths(serverName)
	if !s.FilesPresent(serverName) {
		return nil, &model.NotFoundError{Resource: "certificate", ID: serverName}
	}

	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", certPath, err)
	}
	leaf, err := ParseLeaf(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", certPath, err)
	}
	return RecordFromLeaf(leaf, certPath, keyPath), nil
}

// ParseLeaf returns the first certificate in a PEM bundle.
func ParseLeaf(chainPEM []byte) (*x509.Certificate, error) {
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no certificate found in PEM data")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// RecordFromLeaf describes a parsed leaf certificate stored at the given paths.
func RecordFromLeaf(leaf *x509.Certificate, certPath, keyPath string) *model.CertificateRecord {
	domains := append([]string(nil), leaf.DNSNames...)
	if len(domains) == 0 && leaf.Subject.CommonName != "" {
		domains = []string{leaf.Subject.CommonName}
	}
	issuer := leaf.Issuer.CommonName
	if issuer == "" {
		issuer = leaf.Issuer.String()
	}
	return &model.CertificateRecord{
		Domains:      domains,
		CertPath:     certPath,
		KeyPath:      keyPath,
		Issuer:       issuer,
		SerialNumber: leaf.SerialNumber.Text(16),
		ValidFrom:    leaf.NotBefore.UTC(),
		ValidUntil:   leaf.NotAfter.UTC(),
	}
}

// List returns the server names that have a certificate directory.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || platform.IsStagingName(e.Name()) || checkServerName(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Commit is a staged replacement of one server name's bundle. Until
// Finalize is called the previous bundle can be put back with Rollback.
type Commit struct {
	store       *Store
	serverName  string
	dir         string
	previousDir string
	hadPrevious bool
	closed      bool

	Record *model.CertificateRecord
}

// Commit validates certPEM and keyPEM as a matching pair for serverName and
// swaps them into place. Readers see the complete old or the complete new pair.
func (s *Store) Commit(serverName string, certPEM, keyPEM []byte) (*Commit, error) {
	if err := checkServerName(serverName); err != nil {
		return nil, err
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("certificate and key do not form a pair: %w", err)
	}
	leaf, err := ParseLeaf(certPEM)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	if err := leaf.VerifyHostname(serverName); err != nil {
		return nil, fmt.Errorf("issued certificate does not cover %s: %w", serverName, err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}

	staging := filepath.Join(s.dir, platform.StagingName(serverName))
	if err := os.Mkdir(staging, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if err := writeBundle(staging, certPEM, keyPEM); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	c := &Commit{
		store:       s,
		serverName:  serverName,
		dir:         filepath.Join(s.dir, serverName),
		previousDir: filepath.Join(s.dir, "."+serverName+".previous"),
	}

	if err := os.RemoveAll(c.previousDir); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("clear previous bundle: %w", err)
	}
	if err := s.guard(func() error { return c.swapIn(staging) }); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	certPath, keyPath := s.Paths(serverName)
	c.Record = RecordFromLeaf(leaf, certPath, keyPath)
	s.logger.Info().Str("server_name", serverName).Time("valid_until", c.Record.ValidUntil).
		Bool("replaced", c.hadPrevious).Msg("certificate committed")
	return c, nil
}

// swapIn moves the live bundle aside and the staged one into its place.
func (c *Commit) swapIn(staging string) error {
	if _, err := os.Stat(c.dir); err == nil {
		if err := os.Rename(c.dir, c.previousDir); err != nil {
			return fmt.Errorf("move current bundle aside: %w", err)
		}
		c.hadPrevious = true
	}
	if err := os.Rename(staging, c.dir); err != nil {
		if c.hadPrevious {
			os.Rename(c.previousDir, c.dir)
			c.hadPrevious = false
		}
		return fmt.Errorf("move new bundle into place: %w", err)
	}
	return nil
}

func writeBundle(dir string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(filepath.Join(dir, FullchainFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", FullchainFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, PrivkeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", PrivkeyFile, err)
	}
	return nil
}

// Rollback removes the new bundle and restores the previous one, if any.
func (c *Commit) Rollback() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.store.guard(func() error {
		if err := os.RemoveAll(c.dir); err != nil {
			return fmt.Errorf("remove new bundle: %w", err)
		}
		if c.hadPrevious {
			if err := os.Rename(c.previousDir, c.dir); err != nil {
				return fmt.Errorf("restore previous bundle: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.store.logger.Warn().Str("server_name", c.serverName).Bool("restored_previous", c.hadPrevious).Msg("certificate commit rolled back")
	return nil
}

// Finalize discards the previous bundle.
func (c *Commit) Finalize() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := os.RemoveAll(c.previousDir); err != nil {
		return fmt.Errorf("remove previous bundle: %w", err)
	}
	return nil
}

// AccountKey returns the persisted ACME account key, creating and saving a
// new ECDSA P-256 key on first use. created is true when the key is new.
func (s *Store) AccountKey() (key *ecdsa.PrivateKey, created bool, err error) {
	path := filepath.Join(s.dir, accountDir, accountKeyFile)

	data, err := os.ReadFile(path)
	if err == nil {
		existing, err := parseECKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("account key %s: %w", path, err)
		}
		return existing, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("read account key: %w", err)
	}

	key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generate account key: %w", err)
	}
	keyPEM, err := EncodeECKey(key)
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("create account dir: %w", err)
	}
	if err := platform.WriteFileAtomic(path, keyPEM, 0o600); err != nil {
		return nil, false, fmt.Errorf("save account key: %w", err)
	}
	s.logger.Info().Str("path", path).Msg("created ACME account key")
	return key, true, nil
}

// EncodeECKey PEM-encodes an EC private key.
func EncodeECKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal EC key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func parseECKey(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse EC key: %w", err)
	}
	return key, nil
}
