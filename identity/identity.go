// Package identity manages the local device's self-signed certificate and
// the SHA-256 fingerprint derived from it. The fingerprint is the device's
// stable identity on the wire; the certificate backs the HTTPS listener and
// is pinned by remote peers.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	keyFileName  = "key.pem"
	certFileName = "certificate.pem"
	p12FileName  = "certificate.p12"

	// ContainerPassword protects the exported PKCS#12 container. Fixed by
	// convention so peers and platform tooling can import it.
	ContainerPassword = "localsend"

	certCommonName = "LocalSend User"
	certValidity   = 3650 * 24 * time.Hour
	rsaKeyBits     = 2048

	certPEMType = "CERTIFICATE"
	keyPEMType  = "RSA PRIVATE KEY"
)

// ErrNoIdentity indicates no identity material exists on disk yet.
var ErrNoIdentity = errors.New("identity: no cached identity")

// Identity is the local device's certificate, key and derived fingerprint.
// Read-only after construction; regeneration produces a new Identity and
// every server or client holding the old one must be rebuilt.
type Identity struct {
	Certificate *x509.Certificate
	CertDER     []byte
	Key         *rsa.PrivateKey
	TLS         tls.Certificate
	Fingerprint string
}

// Manager owns the on-disk identity material under a fixed directory.
type Manager struct {
	dir string

	// listAddrs enumerates local non-loopback IPv4 addresses; replaceable
	// in tests.
	listAddrs func() ([]net.IP, error)
}

// NewManager creates a manager rooted at dir. The directory is created on
// first Ensure.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:       dir,
		listAddrs: localIPv4Addresses,
	}
}

// Ensure returns a valid identity, generating one when no cached certificate
// exists or when the cached certificate's SAN list no longer covers every
// bound local IPv4 address. The regenerated flag reports whether new material
// was produced.
func (m *Manager) Ensure() (*Identity, bool, error) {
	addrs, err := m.listAddrs()
	if err != nil {
		return nil, false, fmt.Errorf("enumerate local addresses: %w", err)
	}

	ident, err := m.load()
	if err == nil && sanCovers(ident.Certificate, addrs) {
		return ident, false, nil
	}
	if err != nil && !errors.Is(err, ErrNoIdentity) {
		// Unreadable or corrupt material is replaced, not fatal.
		err = nil
	}

	ident, err = m.generate(addrs)
	if err != nil {
		return nil, false, err
	}
	return ident, true, nil
}

// ForceRegenerate unconditionally produces a new identity, invalidating any
// previously returned one.
func (m *Manager) ForceRegenerate() (*Identity, error) {
	addrs, err := m.listAddrs()
	if err != nil {
		return nil, fmt.Errorf("enumerate local addresses: %w", err)
	}
	return m.generate(addrs)
}

// P12Path returns the location of the exported PKCS#12 container.
func (m *Manager) P12Path() string {
	return filepath.Join(m.dir, p12FileName)
}

func (m *Manager) load() (*Identity, error) {
	certRaw, err := os.ReadFile(filepath.Join(m.dir, certFileName))
	if err != nil {
		return nil, ErrNoIdentity
	}
	keyRaw, err := os.ReadFile(filepath.Join(m.dir, keyFileName))
	if err != nil {
		return nil, ErrNoIdentity
	}

	certBlock, _ := pem.Decode(certRaw)
	if certBlock == nil || certBlock.Type != certPEMType {
		return nil, fmt.Errorf("decode certificate PEM: no %s block", certPEMType)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse cached certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyRaw)
	if keyBlock == nil {
		return nil, errors.New("decode key PEM: no PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse cached private key: %w", err)
	}

	return buildIdentity(cert, certBlock.Bytes, key), nil
}

func (m *Manager) generate(addrs []net.IP) (*Identity, error) {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	ips := []net.IP{net.IPv4(127, 0, 0, 1)}
	ips = append(ips, addrs...)

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   certCommonName,
			Organization: []string{""},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	if err := m.persist(cert, der, key); err != nil {
		return nil, err
	}

	return buildIdentity(cert, der, key), nil
}

func (m *Manager) persist(cert *x509.Certificate, der []byte, key *rsa.PrivateKey) error {
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: keyPEMType, Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(m.dir, keyFileName), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: certPEMType, Bytes: der})
	if err := os.WriteFile(filepath.Join(m.dir, certFileName), certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	container, err := pkcs12.Modern.Encode(key, cert, nil, ContainerPassword)
	if err != nil {
		return fmt.Errorf("encode PKCS#12 container: %w", err)
	}
	if err := os.WriteFile(m.P12Path(), container, 0o600); err != nil {
		return fmt.Errorf("write PKCS#12 container: %w", err)
	}

	return nil
}

func buildIdentity(cert *x509.Certificate, der []byte, key *rsa.PrivateKey) *Identity {
	sum := sha256.Sum256(der)
	return &Identity{
		Certificate: cert,
		CertDER:     der,
		Key:         key,
		TLS: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        cert,
		},
		Fingerprint: hex.EncodeToString(sum[:]),
	}
}

// sanCovers reports whether every address appears in the certificate's SAN
// IP list.
func sanCovers(cert *x509.Certificate, addrs []net.IP) bool {
	for _, addr := range addrs {
		found := false
		for _, san := range cert.IPAddresses {
			if san.Equal(addr) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CertificateFingerprint returns the lower-case hex SHA-256 of a DER
// certificate, the identity format peers exchange.
func CertificateFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase
// chars for display.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}
	return b.String()
}

// localIPv4Addresses lists the bound non-loopback IPv4 addresses.
func localIPv4Addresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				out = append(out, ip4)
			}
		}
	}
	return out, nil
}
