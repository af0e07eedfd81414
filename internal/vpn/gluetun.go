package vpn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ControlClient is the egress control-plane surface the controller drives.
type ControlClient interface {
	Status(ctx context.Context) (string, error)
	SetStatus(ctx context.Context, status string) error
	PublicIP(ctx context.Context) (string, error)
	SetCountries(ctx context.Context, countries []string) error
}

// GluetunClient talks to a gluetun control server on a local port using
// basic auth.
type GluetunClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func NewGluetunClient(controlPort int, username, password string) *GluetunClient {
	return &GluetunClient{
		baseURL:  fmt.Sprintf("http://localhost:%d", controlPort),
		username: username,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Status returns the tunnel status string ("running", "stopped", ...).
func (g *GluetunClient) Status(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := g.do(ctx, http.MethodGet, "/v1/vpn/status", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// SetStatus asks the tunnel to transition to status ("reconnecting",
// "stopped", "running").
func (g *GluetunClient) SetStatus(ctx context.Context, status string) error {
	body := map[string]string{"status": status}
	return g.do(ctx, http.MethodPut, "/v1/vpn/status", body, nil)
}

// PublicIP returns the current egress address.
func (g *GluetunClient) PublicIP(ctx context.Context) (string, error) {
	var out struct {
		PublicIP string `json:"public_ip"`
	}
	if err := g.do(ctx, http.MethodGet, "/v1/publicip/ip", nil, &out); err != nil {
		return "", err
	}
	return out.PublicIP, nil
}

// SetCountries updates the provider server selection so the next reconnect
// lands in one of the given countries.
func (g *GluetunClient) SetCountries(ctx context.Context, countries []string) error {
	body := map[string]any{
		"vpn": map[string]any{
			"provider": map[string]any{
				"name": "mullvad",
				"server_selection": map[string]any{
					"countries": countries,
				},
			},
		},
	}
	return g.do(ctx, http.MethodPut, "/v1/settings", body, nil)
}

func (g *GluetunClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode control request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build control request: %w", err)
	}
	req.SetBasicAuth(g.username, g.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("control plane %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control plane %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode control response: %w", err)
		}
	}
	return nil
}

var _ ControlClient = (*GluetunClient)(nil)
