package toolwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultPort is the well-known port used when port discovery fails or is not
// configured. Falling back keeps the client available when the discovery
// endpoint is down; a wrong port simply fails the dial and follows the normal
// retry path.
const DefaultPort = 8711

// PortResolver resolves the port of the connection endpoint. Implementations
// are external collaborators; the client only consumes the resolved port.
type PortResolver interface {
	ResolvePort(ctx context.Context) (int, error)
}

// StaticPort is a PortResolver that always returns a fixed port.
type StaticPort int

// ResolvePort implements PortResolver.
func (p StaticPort) ResolvePort(context.Context) (int, error) {
	return int(p), nil
}

// HTTPPortResolver discovers the connection port from an HTTP endpoint that
// responds with a JSON object of the form {"port": 8711}.
type HTTPPortResolver struct {
	// URL is the discovery endpoint.
	URL string
	// Client is the HTTP client used for the discovery request. Defaults to
	// http.DefaultClient.
	Client *http.Client
	// Timeout bounds the discovery request. Defaults to 5 seconds.
	Timeout time.Duration
}

// ResolvePort implements PortResolver.
func (p HTTPPortResolver) ResolvePort(ctx context.Context) (int, error) {
	httpClient := p.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	rCtx, rCancel := context.WithTimeout(ctx, timeout)
	defer rCancel()

	req, err := http.NewRequestWithContext(rCtx, http.MethodGet, p.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query discovery endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected discovery status code: %d", resp.StatusCode)
	}

	var result struct {
		Port int `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode discovery response: %w", err)
	}
	if result.Port <= 0 || result.Port > 65535 {
		return 0, fmt.Errorf("discovery returned invalid port: %d", result.Port)
	}

	return result.Port, nil
}
