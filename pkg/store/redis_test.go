package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("REDIS_TLS", "false")
	t.Setenv("REDIS_REQUIRE_TLS", "false")

	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("expected redis client, got %v", err)
	}
	defer client.Close()
}

func TestNewRedisPingFailure(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_DB", "1")
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_TLS", "false")
	t.Setenv("REDIS_REQUIRE_TLS", "false")

	client, err := NewRedis(context.Background())
	if err == nil {
		if client != nil {
			_ = client.Close()
		}
		t.Fatal("expected ping failure for closed port")
	}
}

func TestNewRedisRefusesPlaintextWhenTLSRequired(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	t.Setenv("REDIS_TLS", "false")
	client, err := NewRedis(context.Background())
	if err == nil {
		if client != nil {
			_ = client.Close()
		}
		t.Fatal("expected startup refusal without TLS")
	}
	if !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}
}

func TestRedisTLSConfigDisabled(t *testing.T) {
	t.Setenv("REDIS_TLS", "false")
	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil TLS config when REDIS_TLS is false")
	}
}

func TestRedisTLSConfigServerName(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_SERVER_NAME", "redis.caseroom.internal")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_KEY_FILE", "")
	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || cfg.ServerName != "redis.caseroom.internal" {
		t.Fatalf("expected server name to be set, got %+v", cfg)
	}
}

func TestRedisTLSConfigInsecureNeedsExplicitAllow(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "false")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected insecure tls guard error")
	}

	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	t.Setenv("REDIS_TLS_CERT_FILE", "")
	t.Setenv("REDIS_TLS_KEY_FILE", "")
	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error with explicit allow: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure skip verify, got %+v", cfg)
	}
}

func TestRedisTLSConfigCAAndMTLS(t *testing.T) {
	tmp := t.TempDir()
	certPEM, keyPEM := selfSignedPEM(t)
	caPath := filepath.Join(tmp, "ca.pem")
	certPath := filepath.Join(tmp, "client.pem")
	keyPath := filepath.Join(tmp, "client-key.pem")
	for path, data := range map[string][]byte{caPath: certPEM, certPath: certPEM, keyPath: keyPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "false")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", caPath)
	t.Setenv("REDIS_TLS_CERT_FILE", certPath)
	t.Setenv("REDIS_TLS_KEY_FILE", keyPath)
	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || cfg.RootCAs == nil {
		t.Fatal("expected RootCAs to be populated")
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one client certificate, got %d", len(cfg.Certificates))
	}
}

func TestRedisTLSConfigRejectsBadMaterial(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(bad, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write bad pem: %v", err)
	}

	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "false")

	t.Run("invalid ca pem", func(t *testing.T) {
		t.Setenv("REDIS_TLS_CA_CERT_FILE", bad)
		t.Setenv("REDIS_TLS_CERT_FILE", "")
		t.Setenv("REDIS_TLS_KEY_FILE", "")
		if _, err := loadRedisTLSConfigFromEnv(); err == nil {
			t.Fatal("expected invalid ca pem error")
		}
	})

	t.Run("missing ca file", func(t *testing.T) {
		t.Setenv("REDIS_TLS_CA_CERT_FILE", filepath.Join(dir, "absent-ca.pem"))
		t.Setenv("REDIS_TLS_CERT_FILE", "")
		t.Setenv("REDIS_TLS_KEY_FILE", "")
		if _, err := loadRedisTLSConfigFromEnv(); err == nil {
			t.Fatal("expected missing ca file error")
		}
	})

	t.Run("cert without key", func(t *testing.T) {
		t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
		t.Setenv("REDIS_TLS_CERT_FILE", bad)
		t.Setenv("REDIS_TLS_KEY_FILE", "")
		if _, err := loadRedisTLSConfigFromEnv(); err == nil {
			t.Fatal("expected incomplete mTLS error")
		}
	})

	t.Run("bad keypair", func(t *testing.T) {
		t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
		t.Setenv("REDIS_TLS_CERT_FILE", bad)
		t.Setenv("REDIS_TLS_KEY_FILE", bad)
		if _, err := loadRedisTLSConfigFromEnv(); err == nil {
			t.Fatal("expected invalid mTLS keypair error")
		}
	})
}

func selfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "caseroom-redis-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return cert, priv
}
