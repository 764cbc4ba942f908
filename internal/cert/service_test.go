package cert

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	c, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return c
}

func TestService_IssueServerAndAgent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.EnsureCA())
	require.NoError(t, s.IssueServer([]string{"broker.example.com", "127.0.0.1"}))
	require.NoError(t, s.IssueAgent("agent-1"))

	ca := readCert(t, filepath.Join(dir, CACertFile))
	assert.True(t, ca.IsCA)

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	server := readCert(t, filepath.Join(dir, ServerCertFile))
	assert.Equal(t, []string{"broker.example.com"}, server.DNSNames)
	require.Len(t, server.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", server.IPAddresses[0].String())
	_, err = server.Verify(x509.VerifyOptions{
		DNSName:   "broker.example.com",
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)

	agent := readCert(t, s.AgentCertPath("agent-1"))
	assert.Equal(t, "agent-1", agent.Subject.CommonName)
	_, err = agent.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)

	info, err := os.Stat(s.AgentKeyPath("agent-1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestService_EnsureCAKeepsExisting(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.EnsureCA())
	first := readCert(t, filepath.Join(s.Dir, CACertFile))

	require.NoError(t, s.EnsureCA())
	second := readCert(t, filepath.Join(s.Dir, CACertFile))

	assert.Equal(t, first.SerialNumber, second.SerialNumber)
}

func TestService_IssueWithoutCA(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, s.IssueServer([]string{"localhost"}))
	assert.Error(t, s.IssueAgent("agent-1"))
}

func TestService_IssueAgentRejectsPath(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.EnsureCA())

	assert.Error(t, s.IssueAgent("../escape"))
	assert.Error(t, s.IssueAgent(""))
}
