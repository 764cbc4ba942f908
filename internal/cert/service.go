// Package cert issues the PEM files used to run the tunnel endpoint over TLS,
// optionally with client certificates for agents.
package cert

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	CACertFile     = "ca.crt"
	CAKeyFile      = "ca.key"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
)

type Service struct {
	Dir string
}

func New(dir string) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}
	return &Service{Dir: dir}, nil
}

func (s *Service) path(name string) string {
	return filepath.Join(s.Dir, name)
}

func (s *Service) AgentCertPath(node string) string {
	return s.path(node + ".crt")
}

func (s *Service) AgentKeyPath(node string) string {
	return s.path(node + ".key")
}

// EnsureCA loads the CA in Dir, creating it on first use.
func (s *Service) EnsureCA() error {
	if fileExists(s.path(CACertFile)) && fileExists(s.path(CAKeyFile)) {
		slog.Info("Using existing CA", "path", s.path(CACertFile))
		return nil
	}

	caCert, caKey, err := GenerateCA()
	if err != nil {
		return err
	}
	if err := writeCertToFile(caCert, s.path(CACertFile)); err != nil {
		return err
	}
	if err := writeKeyToFile(caKey, s.path(CAKeyFile)); err != nil {
		return err
	}

	slog.Info("Generated CA", "path", s.path(CACertFile))
	return nil
}

// IssueServer writes server.crt and server.key for hosts, replacing any
// previous pair.
func (s *Service) IssueServer(hosts []string) error {
	caCert, caKey, err := loadCA(s.path(CACertFile), s.path(CAKeyFile))
	if err != nil {
		return err
	}

	serverCert, serverKey, err := GenerateServerCert(caCert, caKey, hosts)
	if err != nil {
		return err
	}
	if err := writeCertToFile(serverCert, s.path(ServerCertFile)); err != nil {
		return err
	}
	if err := writeKeyToFile(serverKey, s.path(ServerKeyFile)); err != nil {
		return err
	}

	slog.Info("Generated server certificate", "hosts", hosts, "path", s.path(ServerCertFile))
	return nil
}

func (s *Service) IssueAgent(node string) error {
	if node == "" || filepath.Base(node) != node {
		return fmt.Errorf("invalid agent node %q", node)
	}

	caCert, caKey, err := loadCA(s.path(CACertFile), s.path(CAKeyFile))
	if err != nil {
		return err
	}

	agentCert, agentKey, err := GenerateClientCert(caCert, caKey, node)
	if err != nil {
		return err
	}
	if err := writeCertToFile(agentCert, s.AgentCertPath(node)); err != nil {
		return err
	}
	if err := writeKeyToFile(agentKey, s.AgentKeyPath(node)); err != nil {
		return err
	}

	slog.Info("Generated agent certificate", "agent_node", node, "path", s.AgentCertPath(node))
	return nil
}
