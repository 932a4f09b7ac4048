// Package client implements the provisioner contract over HTTP.
package client

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

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/wolkenlauf/metered/internal/config"
	provisionerdomain "github.com/wolkenlauf/metered/internal/provisioner/domain"
)

const defaultTimeout = 30 * time.Second

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func New(p Params) (provisionerdomain.Controller, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(p.Config.ProvisionerURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provisioner base URL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid provisioner base URL: %w", err)
	}

	timeout := p.Config.ProvisionerTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        p.Log.Named("provisioner.client"),
	}, nil
}

func (c *Client) Create(ctx context.Context, req provisionerdomain.CreateRequest) (*provisionerdomain.VM, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/vm/create", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var vm provisionerdomain.VM
	if err := c.do(httpReq, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (c *Client) GetStatus(ctx context.Context, provider, providerInstanceID string) (*provisionerdomain.VM, error) {
	endpoint := fmt.Sprintf("%s/vm/%s/status?provider=%s",
		c.baseURL, url.PathEscape(providerInstanceID), url.QueryEscape(provider))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var vm provisionerdomain.VM
	if err := c.do(httpReq, &vm); err != nil {
		return nil, err
	}
	if vm.ID == "" {
		vm.ID = providerInstanceID
	}
	return &vm, nil
}

func (c *Client) Terminate(ctx context.Context, provider, providerInstanceID string) error {
	endpoint := fmt.Sprintf("%s/vm/%s?provider=%s",
		c.baseURL, url.PathEscape(providerInstanceID), url.QueryEscape(provider))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(httpReq, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provisionerdomain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", provisionerdomain.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusNotFound:
		return provisionerdomain.ErrNotFound
	default:
		c.log.Warn("provisioner request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%w: status %d", provisionerdomain.ErrUnavailable, resp.StatusCode)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", provisionerdomain.ErrUnavailable, err)
	}
	return nil
}
