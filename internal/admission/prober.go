package admission

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultProbeTimeout = 3 * time.Second
	nodePlaceholder     = "{node}"
)

// Prober reports whether a peer broker is still serving.
type Prober interface {
	Alive(ctx context.Context, serverNode string) bool
}

// HTTPProber issues GET against a URL template such as
// "http://{node}:8080/status". Only a 200 counts as alive.
type HTTPProber struct {
	urlTemplate string
	client      *http.Client
}

func NewHTTPProber(urlTemplate string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) URL(serverNode string) string {
	return strings.ReplaceAll(p.urlTemplate, nodePlaceholder, serverNode)
}

func (p *HTTPProber) Alive(ctx context.Context, serverNode string) bool {
	url := p.URL(serverNode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Warn("Invalid probe URL", "url", url, "error", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("Probe failed", "server_node", serverNode, "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()

	slog.Debug("Probe completed", "server_node", serverNode, "url", url, "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}
