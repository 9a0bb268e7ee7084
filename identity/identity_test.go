package identity

import (
	"net"
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func newTestManager(t *testing.T, addrs ...string) *Manager {
	t.Helper()

	m := NewManager(filepath.Join(t.TempDir(), "identity"))
	m.listAddrs = func() ([]net.IP, error) {
		out := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, net.ParseIP(a).To4())
		}
		return out, nil
	}
	return m
}

func TestEnsureGeneratesOnFirstUse(t *testing.T) {
	m := newTestManager(t, "192.168.1.20")

	ident, regenerated, err := m.Ensure()
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if !regenerated {
		t.Fatal("first Ensure should report regeneration")
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(ident.Fingerprint) {
		t.Fatalf("fingerprint format: %q", ident.Fingerprint)
	}

	for _, name := range []string{"key.pem", "certificate.pem", "certificate.p12"} {
		if _, err := os.Stat(filepath.Join(m.dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestFingerprintStableAcrossEnsure(t *testing.T) {
	m := newTestManager(t, "192.168.1.20")

	first, _, err := m.Ensure()
	if err != nil {
		t.Fatalf("first Ensure failed: %v", err)
	}
	second, regenerated, err := m.Ensure()
	if err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}
	if regenerated {
		t.Fatal("second Ensure regenerated despite unchanged addresses")
	}
	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("fingerprint changed without regeneration: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
}

func TestForceRegenerateChangesFingerprint(t *testing.T) {
	m := newTestManager(t, "192.168.1.20")

	first, _, err := m.Ensure()
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	second, err := m.ForceRegenerate()
	if err != nil {
		t.Fatalf("ForceRegenerate failed: %v", err)
	}
	if first.Fingerprint == second.Fingerprint {
		t.Fatal("ForceRegenerate kept the old fingerprint")
	}
}

func TestEnsureRegeneratesWhenSANMissesAddress(t *testing.T) {
	m := newTestManager(t, "192.168.1.20")
	if _, _, err := m.Ensure(); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	// A new address appears that the cached certificate does not cover.
	m.listAddrs = func() ([]net.IP, error) {
		return []net.IP{
			net.ParseIP("192.168.1.20").To4(),
			net.ParseIP("10.0.0.5").To4(),
		}, nil
	}

	ident, regenerated, err := m.Ensure()
	if err != nil {
		t.Fatalf("Ensure after address change failed: %v", err)
	}
	if !regenerated {
		t.Fatal("Ensure did not regenerate for uncovered SAN address")
	}

	covered := false
	for _, san := range ident.Certificate.IPAddresses {
		if san.Equal(net.ParseIP("10.0.0.5")) {
			covered = true
		}
	}
	if !covered {
		t.Fatal("regenerated certificate does not cover the new address")
	}
}

func TestCertificateSANsIncludeLoopbackAndLocalhost(t *testing.T) {
	m := newTestManager(t, "172.16.0.9")

	ident, _, err := m.Ensure()
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	hasLoopback := false
	for _, san := range ident.Certificate.IPAddresses {
		if san.Equal(net.IPv4(127, 0, 0, 1)) {
			hasLoopback = true
		}
	}
	if !hasLoopback {
		t.Fatal("SANs missing 127.0.0.1")
	}

	hasLocalhost := false
	for _, name := range ident.Certificate.DNSNames {
		if name == "localhost" {
			hasLocalhost = true
		}
	}
	if !hasLocalhost {
		t.Fatal("SANs missing localhost")
	}
}

func TestLoadSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "identity")

	first := NewManager(dir)
	first.listAddrs = func() ([]net.IP, error) {
		return []net.IP{net.ParseIP("192.168.7.7").To4()}, nil
	}
	a, _, err := first.Ensure()
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	// A fresh manager over the same directory picks up the cached identity.
	second := NewManager(dir)
	second.listAddrs = first.listAddrs
	b, regenerated, err := second.Ensure()
	if err != nil {
		t.Fatalf("Ensure after restart failed: %v", err)
	}
	if regenerated {
		t.Fatal("restart regenerated a valid cached identity")
	}
	if a.Fingerprint != b.Fingerprint {
		t.Fatal("cached identity fingerprint mismatch after restart")
	}
}

func TestFormatFingerprint(t *testing.T) {
	if got := FormatFingerprint("abcd1234ef"); got != "ABCD 1234 EF" {
		t.Fatalf("FormatFingerprint: got %q", got)
	}
	if got := FormatFingerprint(""); got != "" {
		t.Fatalf("FormatFingerprint empty: got %q", got)
	}
}
