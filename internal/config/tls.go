package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"
)

// APIServerTLS builds the *tls.Config for the API listener.
// Returns nil, nil if no cert/key is configured (plaintext mode).
// The key pair is re-read when the certificate file changes, so a rotated
// API certificate is served without a restart. With a client CA configured,
// callers must present a certificate signed by it.
func (c *Config) APIServerTLS() (*tls.Config, error) {
	if c.APITLSCert == "" && c.APITLSKey == "" {
		return nil, nil
	}

	kp := &keyPair{certFile: c.APITLSCert, keyFile: c.APITLSKey}
	if _, err := kp.load(); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return kp.load()
		},
	}

	if c.APITLSClientCA != "" {
		pool, err := loadCertPool(c.APITLSClientCA)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

type keyPair struct {
	certFile string
	keyFile  string

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

// load returns the cached pair unless the certificate file changed. A pair
// that fails to load after a change keeps the previous one in service.
func (k *keyPair) load() (*tls.Certificate, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	info, err := os.Stat(k.certFile)
	if err != nil {
		if k.cert != nil {
			return k.cert, nil
		}
		return nil, fmt.Errorf("load api server cert: %w", err)
	}
	if k.cert != nil && info.ModTime().Equal(k.modTime) {
		return k.cert, nil
	}

	cert, err := tls.LoadX509KeyPair(k.certFile, k.keyFile)
	if err != nil {
		if k.cert != nil {
			return k.cert, nil
		}
		return nil, fmt.Errorf("load api server cert: %w", err)
	}
	k.cert = &cert
	k.modTime = info.ModTime()
	return k.cert, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read api client CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse api client CA cert")
	}
	return pool, nil
}
