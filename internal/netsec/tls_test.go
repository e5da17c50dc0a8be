package netsec

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnsureSelfSignedCertReusesValidPair(t *testing.T) {
	tmp := t.TempDir()
	certPath := filepath.Join(tmp, "relay.crt")
	keyPath := filepath.Join(tmp, "relay.key")

	if err := EnsureSelfSignedCert(certPath, keyPath, []string{"127.0.0.1", "relay.lan"}); err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	before, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert failed: %v", err)
	}
	if err := EnsureSelfSignedCert(certPath, keyPath, []string{"127.0.0.1", "relay.lan"}); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	after, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert failed: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("expected valid cert to be reused")
	}

	block, _ := pem.Decode(after)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert failed: %v", err)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "relay.lan" || len(cert.IPAddresses) != 1 {
		t.Fatalf("unexpected SANs: dns=%v ip=%v", cert.DNSNames, cert.IPAddresses)
	}
}

func TestRelayTLSConfigGeneratesWhenAsked(t *testing.T) {
	tmp := t.TempDir()
	certPath := filepath.Join(tmp, "tls", "relay.crt")
	keyPath := filepath.Join(tmp, "tls", "relay.key")

	if _, err := RelayTLSConfig(certPath, keyPath, false, nil); err == nil {
		t.Fatalf("expected error without a pair on disk")
	}
	cfg, err := RelayTLSConfig(certPath, keyPath, true, nil)
	if err != nil {
		t.Fatalf("relay tls config failed: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 || len(cfg.Certificates) != 1 {
		t.Fatalf("unexpected tls config: min=%d certs=%d", cfg.MinVersion, len(cfg.Certificates))
	}
}

func TestClientTLSConfig(t *testing.T) {
	if ClientTLSConfig(false).InsecureSkipVerify {
		t.Fatalf("expected verification by default")
	}
	if !ClientTLSConfig(true).InsecureSkipVerify {
		t.Fatalf("expected insecure config to skip verification")
	}
}

func TestNeedsRotationWhenMissingOrGarbage(t *testing.T) {
	tmp := t.TempDir()
	certPath := filepath.Join(tmp, "relay.crt")
	keyPath := filepath.Join(tmp, "relay.key")

	rotate, err := needsRotation(certPath, keyPath, time.Hour)
	if err != nil || !rotate {
		t.Fatalf("expected rotation for missing files: rotate=%v err=%v", rotate, err)
	}
	if err := os.WriteFile(certPath, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	rotate, err = needsRotation(certPath, keyPath, time.Hour)
	if err != nil || !rotate {
		t.Fatalf("expected rotation for garbage cert: rotate=%v err=%v", rotate, err)
	}
}
