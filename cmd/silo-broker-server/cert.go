package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/EternisAI/silo-broker/internal/cert"
)

func runCert(args []string) error {
	fs := flag.NewFlagSet("cert", flag.ExitOnError)
	dir := fs.String("dir", "./certs", "Directory holding the CA and issued certificates")
	hosts := fs.String("hosts", "localhost,127.0.0.1", "Comma-separated DNS names and IPs for the broker certificate")
	agents := fs.String("agents", "", "Comma-separated agent nodes to issue client certificates for")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := cert.New(*dir)
	if err != nil {
		return err
	}
	if err := svc.EnsureCA(); err != nil {
		return err
	}

	if h := splitList(*hosts); len(h) > 0 {
		if err := svc.IssueServer(h); err != nil {
			return err
		}
	}

	for _, node := range splitList(*agents) {
		if err := svc.IssueAgent(node); err != nil {
			return fmt.Errorf("agent %s: %w", node, err)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
