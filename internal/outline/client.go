// Package outline is a thin client for the per-server key-management APIs:
// the Outline management endpoint for creating and deleting access keys, and
// the server's Prometheus endpoint for usage metrics. Every method is a
// single remote round-trip; retry policy belongs to the caller.
package outline

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/keyrelay/server/internal/model"
)

// KeyHandle is the remote identity of a provisioned access key.
type KeyHandle struct {
	ID        string `json:"id"`
	AccessURL string `json:"accessUrl"`
}

// Client talks to the management and metrics endpoints of Outline servers.
type Client struct {
	timeout time.Duration
}

// NewClient creates a Client. timeout bounds each remote call.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{timeout: timeout}
}

// httpClient builds a client for the server's management API. Outline
// servers present self-signed certificates, so verification pins the
// SHA-256 fingerprint stored on the server record instead of using the
// system trust store.
func (c *Client) httpClient(srv *model.Server) *http.Client {
	client := &http.Client{Timeout: c.timeout}
	if srv.APICertSHA256 == "" {
		return client
	}
	want := strings.ToLower(strings.ReplaceAll(srv.APICertSHA256, ":", ""))
	client.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				for _, raw := range rawCerts {
					sum := sha256.Sum256(raw)
					if hex.EncodeToString(sum[:]) == want {
						return nil
					}
				}
				return fmt.Errorf("no certificate matches pinned fingerprint")
			},
		},
	}
	return client
}

// Provision creates a new access key on the server.
func (c *Client) Provision(ctx context.Context, srv *model.Server) (KeyHandle, error) {
	if srv.APIURL == "" {
		return KeyHandle{}, fmt.Errorf("server %s has no management API URL", srv.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := strings.TrimSuffix(srv.APIURL, "/") + "/access-keys"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return KeyHandle{}, fmt.Errorf("build create-key request: %w", err)
	}

	resp, err := c.httpClient(srv).Do(req)
	if err != nil {
		return KeyHandle{}, fmt.Errorf("create key on %s: %w", srv.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return KeyHandle{}, fmt.Errorf("create key on %s: unexpected status %d", srv.Name, resp.StatusCode)
	}

	var handle KeyHandle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		return KeyHandle{}, fmt.Errorf("decode create-key response: %w", err)
	}
	if handle.ID == "" || handle.AccessURL == "" {
		return KeyHandle{}, fmt.Errorf("create-key response missing id or accessUrl")
	}
	return handle, nil
}

// Retire deletes an access key from the server.
func (c *Client) Retire(ctx context.Context, srv *model.Server, keyID string) error {
	if srv.APIURL == "" {
		return fmt.Errorf("server %s has no management API URL", srv.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := strings.TrimSuffix(srv.APIURL, "/") + "/access-keys/" + url.PathEscape(keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build delete-key request: %w", err)
	}

	resp, err := c.httpClient(srv).Do(req)
	if err != nil {
		return fmt.Errorf("delete key %s on %s: %w", keyID, srv.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delete key %s on %s: unexpected status %d", keyID, srv.Name, resp.StatusCode)
	}
	return nil
}

// promResponse is the subset of a Prometheus instant-query response we read.
type promResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Value [2]json.RawMessage `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// MeasureUsage returns the bytes transferred by the key over the trailing
// window, read from the server's Prometheus endpoint. Returns nil when the
// server has no sample for the key.
func (c *Client) MeasureUsage(ctx context.Context, srv *model.Server, keyID string, window time.Duration) (*float64, error) {
	if srv.IPv4 == "" {
		return nil, fmt.Errorf("server %s has no address for metrics", srv.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	days := int(window.Hours() / 24)
	if days < 1 {
		days = 1
	}
	query := fmt.Sprintf(`sum(increase(shadowsocks_data_bytes{access_key=%q}[%dd]))`, keyID, days)

	endpoint := url.URL{
		Scheme:   "http",
		Host:     fmt.Sprintf("%s:%d", srv.IPv4, srv.MetricsPort),
		Path:     "/api/v1/query",
		RawQuery: url.Values{"query": {query}}.Encode(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build metrics request: %w", err)
	}

	resp, err := (&http.Client{Timeout: c.timeout}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("query metrics on %s: %w", srv.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query metrics on %s: unexpected status %d", srv.Name, resp.StatusCode)
	}

	var pr promResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode metrics response: %w", err)
	}
	if pr.Status != "success" || len(pr.Data.Result) == 0 {
		return nil, nil
	}

	// Instant-query values are [timestamp, "stringified float"].
	var raw string
	if err := json.Unmarshal(pr.Data.Result[0].Value[1], &raw); err != nil {
		return nil, fmt.Errorf("decode metrics value: %w", err)
	}
	bytes, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("parse metrics value %q: %w", raw, err)
	}
	return &bytes, nil
}
