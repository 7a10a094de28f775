// Package httpnet exchanges blocks with a peer replica over HTTP.
package httpnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"replidb/pkg/dberrors"
	"replidb/pkg/network"
	"replidb/pkg/types"
)

const maxBlockSize = 64 << 20

// Client fetches and publishes blocks on a remote replica.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient replaces the underlying http.Client (tests use httptest clients).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

type putResp struct {
	Fingerprint types.Fingerprint `json:"fingerprint"`
}

func (c *Client) Put(ctx context.Context, data []byte) (types.Fingerprint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/blocks", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: PUT block: %v", dberrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: PUT block status=%d body=%s", dberrors.ErrNetworkUnavailable, resp.StatusCode, string(b))
	}

	var pr putResp
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode PUT body: %w", err)
	}
	return pr.Fingerprint, nil
}

func (c *Client) Get(ctx context.Context, fp types.Fingerprint) ([]byte, error) {
	u := c.baseURL + "/blocks/" + url.PathEscape(string(fp))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create GET request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET block %s: %v", dberrors.ErrNetworkUnavailable, fp, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("block %s: %w", fp, dberrors.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: GET block status=%d body=%s", dberrors.ErrNetworkUnavailable, resp.StatusCode, string(b))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlockSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read block %s: %v", dberrors.ErrNetworkUnavailable, fp, err)
	}
	if err := network.Verify(fp, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Head asks the peer for the fingerprint of its current log.
func (c *Client) Head(ctx context.Context) (types.Fingerprint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/_fingerprint", nil)
	if err != nil {
		return "", fmt.Errorf("create fingerprint request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fingerprint: %v", dberrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: fingerprint status=%d body=%s", dberrors.ErrNetworkUnavailable, resp.StatusCode, string(b))
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode fingerprint body: %w", err)
	}
	fp := types.Fingerprint(body.Value)
	if !fp.Valid() {
		return "", fmt.Errorf("%w: peer returned fingerprint %q", dberrors.ErrInvalidArgument, body.Value)
	}
	return fp, nil
}
