package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateCertIsReused(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"twofa.local", "127.0.0.1"})
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, []string{"twofa.local"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)

	second, err := gen.GenerateCert([]string{"twofa.local"})
	require.NoError(t, err)
	require.Equal(t, first.Certificate[0], second.Certificate[0])

	certPath, keyPath := gen.paths()
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	require.FileExists(t, certPath)
}

func TestExpiredCertIsReplaced(t *testing.T) {
	gen := NewDevCertGenerator(t.TempDir())
	first, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)

	gen.now = func() time.Time { return time.Now().Add(devCertValidity + time.Hour) }
	second, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	require.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestManagerFallsBackToDevCert(t *testing.T) {
	m := NewTLSManager(&TLSConfig{EnableTLS: true, Domain: "localhost", AutoCertDir: t.TempDir(), Environment: "development"})

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	require.Same(t, cert, again)

	prod := NewTLSManager(&TLSConfig{EnableTLS: true, Domain: "localhost", AutoCertDir: t.TempDir(), Environment: "production"})
	_, err = prod.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.Error(t, err)
}
