package grpcserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	return startServerWith(t, Config{Addr: "127.0.0.1:0", Service: "mssql.TEST"})
}

func startServerWith(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	s := NewServer(cfg, zaptest.NewLogger(t))
	lis, err := s.Listen()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(lis)
	}()
	t.Cleanup(func() {
		s.GracefulStop()
		<-done
	})
	return s, s.Addr().String()
}

func TestHealthFollowsServiceUp(t *testing.T) {
	s, addr := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := Check(ctx, addr, "mssql.TEST", nil)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	s.SetUp(true)
	status, err = Check(ctx, addr, "mssql.TEST", nil)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	status, err = Check(ctx, addr, "", nil)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)
}

func TestHealthUnknownService(t *testing.T) {
	_, addr := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Check(ctx, addr, "mssql.OTHER", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotFound")
}

func TestServeRejectsHalfTLSConfig(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0", TLSCertFile: "/nonexistent.pem"}, zaptest.NewLogger(t))
	lis, err := s.Listen()
	require.NoError(t, err)
	assert.ErrorContains(t, s.Serve(lis), "both a cert and a key")

	// the listener is released with the error
	_, err = lis.Accept()
	assert.True(t, errors.Is(err, net.ErrClosed), "accept after failed Serve: %v", err)
}

// writeSelfSigned writes a self-signed cert for 127.0.0.1 and its key.
func writeSelfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mssqlpro test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestCheckOverTLS(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)
	s, addr := startServerWith(t, Config{
		Addr:        "127.0.0.1:0",
		TLSCertFile: certFile,
		TLSKeyFile:  keyFile,
		Service:     "mssql.TEST",
	})
	s.SetUp(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	creds, err := ClientCredentials(certFile)
	require.NoError(t, err)
	status, err := Check(ctx, addr, "mssql.TEST", creds)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	plainCtx, plainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer plainCancel()
	_, err = Check(plainCtx, addr, "mssql.TEST", nil)
	assert.Error(t, err, "plaintext client must not reach a TLS server")
}

func TestClientCredentials(t *testing.T) {
	creds, err := ClientCredentials("")
	require.NoError(t, err)
	assert.Equal(t, "insecure", creds.Info().SecurityProtocol)

	_, err = ClientCredentials(filepath.Join(t.TempDir(), "missing.pem"))
	assert.ErrorContains(t, err, "read CA file")

	junk := filepath.Join(t.TempDir(), "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a cert"), 0o600))
	_, err = ClientCredentials(junk)
	assert.ErrorContains(t, err, "no certificates")

	certFile, _ := writeSelfSigned(t)
	creds, err = ClientCredentials(certFile)
	require.NoError(t, err)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)
}
