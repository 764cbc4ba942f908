package tls

import (
	"crypto/tls"
	"io"
	"path/filepath"
	"testing"

	"github.com/EternisAI/silo-broker/internal/cert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueCerts(t *testing.T) *cert.Service {
	t.Helper()
	s, err := cert.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.EnsureCA())
	require.NoError(t, s.IssueServer([]string{"localhost", "127.0.0.1"}))
	require.NoError(t, s.IssueAgent("agent-1"))
	return s
}

// echoOnce accepts one connection, completes the handshake and echoes what it
// reads.
func echoOnce(t *testing.T, config *tls.Config) string {
	t.Helper()
	lis, err := tls.Listen("tcp", "127.0.0.1:0", config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	return lis.Addr().String()
}

func roundTrip(addr string, config *tls.Config) error {
	conn, err := tls.Dial("tcp", addr, config)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		return err
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if string(buf) != "ping" {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func TestHandshake_ServerTLS(t *testing.T) {
	s := issueCerts(t)

	serverConfig, err := LoadServerConfig(
		filepath.Join(s.Dir, cert.ServerCertFile),
		filepath.Join(s.Dir, cert.ServerKeyFile),
		"", tls.NoClientCert)
	require.NoError(t, err)
	addr := echoOnce(t, serverConfig)

	clientConfig, err := LoadClientConfig("", "", filepath.Join(s.Dir, cert.CACertFile), "localhost")
	require.NoError(t, err)

	assert.NoError(t, roundTrip(addr, clientConfig))
}

func TestHandshake_MutualTLS(t *testing.T) {
	s := issueCerts(t)

	serverConfig, err := LoadServerConfig(
		filepath.Join(s.Dir, cert.ServerCertFile),
		filepath.Join(s.Dir, cert.ServerKeyFile),
		filepath.Join(s.Dir, cert.CACertFile), tls.RequireAndVerifyClientCert)
	require.NoError(t, err)
	addr := echoOnce(t, serverConfig)

	clientConfig, err := LoadClientConfig(s.AgentCertPath("agent-1"), s.AgentKeyPath("agent-1"),
		filepath.Join(s.Dir, cert.CACertFile), "localhost")
	require.NoError(t, err)

	assert.NoError(t, roundTrip(addr, clientConfig))
}

func TestHandshake_MutualTLSRejectsAnonymousAgent(t *testing.T) {
	s := issueCerts(t)

	serverConfig, err := LoadServerConfig(
		filepath.Join(s.Dir, cert.ServerCertFile),
		filepath.Join(s.Dir, cert.ServerKeyFile),
		filepath.Join(s.Dir, cert.CACertFile), tls.RequireAndVerifyClientCert)
	require.NoError(t, err)
	addr := echoOnce(t, serverConfig)

	clientConfig, err := LoadClientConfig("", "", filepath.Join(s.Dir, cert.CACertFile), "localhost")
	require.NoError(t, err)

	assert.Error(t, roundTrip(addr, clientConfig))
}

func TestHandshake_UnknownCA(t *testing.T) {
	s := issueCerts(t)
	other := issueCerts(t)

	serverConfig, err := LoadServerConfig(
		filepath.Join(s.Dir, cert.ServerCertFile),
		filepath.Join(s.Dir, cert.ServerKeyFile),
		"", tls.NoClientCert)
	require.NoError(t, err)
	addr := echoOnce(t, serverConfig)

	clientConfig, err := LoadClientConfig("", "", filepath.Join(other.Dir, cert.CACertFile), "localhost")
	require.NoError(t, err)

	assert.Error(t, roundTrip(addr, clientConfig))
}
