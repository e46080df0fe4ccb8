// Package tlsconfig builds the *tls.Config the broker and the optional
// HTTPS admin surface share: a PKCS12 key store for the server's own
// identity and a PKCS12 trust store naming every client certificate
// authority accepted for mutual TLS. Each store's password lives in
// its own file, so the broker's cert-rotation poll has exactly four
// files to watch: the two PKCS12 stores and their two password files.
//
// PKCS12 parsing is grounded in golang.org/x/crypto/pkcs12, the
// standard ecosystem library for it (see DESIGN.md).
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// Paths names the four files backing the broker's TLS identity and
// trust policy.
type Paths struct {
	KeyStoreFile           string
	KeyStorePasswordFile   string
	TrustStoreFile         string
	TrustStorePasswordFile string
}

// All returns the four paths in a stable order, for mtime polling.
func (p Paths) All() []string {
	return []string{p.KeyStoreFile, p.KeyStorePasswordFile, p.TrustStoreFile, p.TrustStorePasswordFile}
}

// Build loads the keystore and truststore named by p and returns a
// tls.Config enforcing TLSv1.2+ and mandatory, verified client
// certificates.
func Build(p Paths) (*tls.Config, error) {
	keyStorePassword, err := readPassword(p.KeyStorePasswordFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: reading keystore password: %w", err)
	}
	trustStorePassword, err := readPassword(p.TrustStorePasswordFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: reading truststore password: %w", err)
	}

	cert, err := loadKeyStore(p.KeyStoreFile, keyStorePassword)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: loading keystore %s: %w", p.KeyStoreFile, err)
	}

	pool, err := loadTrustStore(p.TrustStoreFile, trustStorePassword)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: loading truststore %s: %w", p.TrustStoreFile, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
	}, nil
}

func readPassword(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func loadKeyStore(path, password string) (tls.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}
	key, leaf, err := pkcs12.Decode(raw, password)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func loadTrustStore(path, password string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	certs, err := pkcs12.DecodeTrustStore(raw, password)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

// Mtimes returns the modification time (UnixNano) of each of the four
// files named by p, in the same order as p.All().
func Mtimes(p Paths) ([]int64, error) {
	out := make([]int64, 0, 4)
	for _, path := range p.All() {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		out = append(out, info.ModTime().UnixNano())
	}
	return out, nil
}
