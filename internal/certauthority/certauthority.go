// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package certauthority mints per-host leaf certificates off a local CA
// for MITM interception (component C7, design §4.8). A single
// ECDSA P-256 CA key signs short-lived leaves; concurrent mint requests
// for the same host are coalesced with singleflight, and the result is
// cached with an LRU+TTL policy so the CA is only consulted once per
// host per cache lifetime.
package certauthority

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/perr"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafBackdate = -1 * time.Minute
	leafValidity = 30 * 24 * time.Hour
	// DefaultCacheSize is the default number of leaf certificates kept in
	// memory before the least-recently-used entry is evicted.
	DefaultCacheSize = 1024
)

// CA is a local certificate authority capable of minting per-host leaf
// certificates.
type CA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	der  []byte
}

// Generate creates a fresh, self-signed CA keypair. The subject CN is
// used both for the CA's own subject and as the issuer of every leaf it
// mints.
func Generate(commonName string) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, perr.Wrap(err, perr.KindCertificateError, "generate CA key")
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(leafBackdate),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, perr.Wrap(err, perr.KindCertificateError, "self-sign CA certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, perr.Wrap(err, perr.KindCertificateError, "parse generated CA certificate")
	}

	return &CA{cert: cert, key: key, der: der}, nil
}

// LoadOrGenerate loads a CA keypair from certFile/keyFile (PEM) if both
// exist, otherwise generates a fresh CA and, when certFile/keyFile are
// non-empty, persists it there for reuse across restarts.
func LoadOrGenerate(certFile, keyFile, commonName string) (*CA, error) {
	if certFile != "" && keyFile != "" {
		if _, err := os.Stat(certFile); err == nil {
			if _, err := os.Stat(keyFile); err == nil {
				return loadFromFiles(certFile, keyFile)
			}
		}
	}

	ca, err := Generate(commonName)
	if err != nil {
		return nil, err
	}
	if certFile != "" && keyFile != "" {
		if err := ca.saveToFiles(certFile, keyFile); err != nil {
			return nil, err
		}
	}
	return ca, nil
}

func loadFromFiles(certFile, keyFile string) (*CA, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, perr.Wrap(err, perr.KindCertificateError, "load CA keypair")
	}
	ecKey, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, perr.New(perr.KindCertificateError, "CA private key is not ECDSA")
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, perr.Wrap(err, perr.KindCertificateError, "parse loaded CA certificate")
	}
	return &CA{cert: cert, key: ecKey, der: pair.Certificate[0]}, nil
}

func (ca *CA) saveToFiles(certFile, keyFile string) error {
	certPEM := pemBlock("CERTIFICATE", ca.der)
	keyDER, err := x509.MarshalECPrivateKey(ca.key)
	if err != nil {
		return perr.Wrap(err, perr.KindCertificateError, "marshal CA key")
	}
	keyPEM := pemBlock("EC PRIVATE KEY", keyDER)

	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return perr.Wrap(err, perr.KindCertificateError, "write CA certificate file")
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return perr.Wrap(err, perr.KindCertificateError, "write CA key file")
	}
	return nil
}

// Certificate returns the CA's own certificate, for exposing as a
// trust-anchor download.
func (ca *CA) Certificate() *x509.Certificate {
	return ca.cert
}

// mintLeaf signs a fresh leaf certificate for host.
func (ca *CA) mintLeaf(host string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, perr.Wrap(err, perr.KindCertificateError, "generate leaf key")
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(leafBackdate),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &leafKey.PublicKey, ca.key)
	if err != nil {
		return nil, perr.Wrap(err, perr.KindCertificateError, fmt.Sprintf("mint leaf certificate for %q", host))
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.der},
		PrivateKey:  leafKey,
	}, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, perr.Wrap(err, perr.KindCertificateError, "generate serial number")
	}
	return serial, nil
}

func pemBlock(blockType string, der []byte) []byte {
	var buf bytes.Buffer
	_ = pem.Encode(&buf, &pem.Block{Type: blockType, Bytes: der})
	return buf.Bytes()
}

// cacheEntry is a node in the LRU's doubly-linked list.
type cacheEntry struct {
	host     string
	cert     *tls.Certificate
	mintedAt time.Time
	prev     *cacheEntry
	next     *cacheEntry
}

// Cache is an LRU cache of minted leaf certificates with a TTL on top,
// backed by a CA and deduplicating concurrent mints for the same host.
type Cache struct {
	ca       *CA
	capacity int
	ttl      time.Duration
	clock    clock.Clock

	mu    sync.Mutex
	index map[string]*cacheEntry
	head  *cacheEntry // most recently used
	tail  *cacheEntry // least recently used

	group singleflight.Group
}

// NewCache builds a Cache of the given capacity and TTL, backed by ca.
// A capacity <= 0 uses DefaultCacheSize.
func NewCache(ca *CA, capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Cache{
		ca:       ca,
		capacity: capacity,
		ttl:      ttl,
		clock:    clock.Real,
		index:    make(map[string]*cacheEntry),
	}
}

// Get returns a cached or freshly minted leaf certificate for host.
// Concurrent Get calls for the same host share a single mint via
// singleflight.
func (c *Cache) Get(host string) (*tls.Certificate, error) {
	if cert, ok := c.lookup(host); ok {
		return cert, nil
	}

	v, err, _ := c.group.Do(host, func() (interface{}, error) {
		if cert, ok := c.lookup(host); ok {
			return cert, nil
		}
		cert, err := c.ca.mintLeaf(host)
		if err != nil {
			return nil, err
		}
		c.insert(host, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (c *Cache) lookup(host string) (*tls.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[host]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.clock.Now().Sub(e.mintedAt) > c.ttl {
		c.removeLocked(e)
		return nil, false
	}
	c.moveToFrontLocked(e)
	return e.cert, true
}

func (c *Cache) insert(host string, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.index[host]; ok {
		e.cert = cert
		e.mintedAt = c.clock.Now()
		c.moveToFrontLocked(e)
		return
	}

	e := &cacheEntry{host: host, cert: cert, mintedAt: c.clock.Now()}
	c.index[host] = e
	c.pushFrontLocked(e)

	if len(c.index) > c.capacity {
		c.removeLocked(c.tail)
	}
}

func (c *Cache) pushFrontLocked(e *cacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) moveToFrontLocked(e *cacheEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushFrontLocked(e)
}

func (c *Cache) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) removeLocked(e *cacheEntry) {
	if e == nil {
		return
	}
	c.unlinkLocked(e)
	delete(c.index, e.host)
}

// Len reports the number of entries currently cached, for tests and
// diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}
