// Package backend talks to the agent middleware HTTP API and the
// companion rewards and geo-eligibility services.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/autorun/internal/metrics"
	"github.com/jordanhubbard/autorun/pkg/models"
)

// APIError is a non-2xx response from the middleware.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: server error (%d): %s", e.Endpoint, e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Client is the middleware API client.
type Client struct {
	baseURL  string
	password string
	http     *http.Client
	metrics  *metrics.Metrics

	loginMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records request counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithPassword enables automatic login when the middleware rejects a
// request with 401.
func WithPassword(password string) Option {
	return func(c *Client) { c.password = password }
}

// NewClient creates a client for the middleware at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", endpoint, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	began := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordBackendRequest(endpoint, "error", time.Since(began).Seconds())
		return fmt.Errorf("%s: request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordBackendRequest(endpoint, strconv.Itoa(resp.StatusCode), time.Since(began).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", endpoint, err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}

func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil {
		for _, m := range []string{body.Error, body.Message, body.Detail} {
			if m != "" {
				return m
			}
		}
	}
	return strings.TrimSpace(string(data))
}

// doAuthed performs a request and, on 401, logs in and retries once.
func (c *Client) doAuthed(ctx context.Context, method, path, endpoint string, body, out interface{}) error {
	err := c.do(ctx, method, path, endpoint, body, out)
	if err == nil || c.password == "" || !IsStatus(err, http.StatusUnauthorized) {
		return err
	}
	if loginErr := c.Login(ctx); loginErr != nil {
		return fmt.Errorf("%w (login failed: %v)", err, loginErr)
	}
	return c.do(ctx, method, path, endpoint, body, out)
}

// Login authenticates the middleware session with the configured password.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.do(ctx, http.MethodPost, "/api/account/login", "login", map[string]string{"password": c.password}, nil)
}

// ListServices returns every service instance.
func (c *Client) ListServices(ctx context.Context) ([]models.Service, error) {
	var services []models.Service
	if err := c.do(ctx, http.MethodGet, "/api/v2/services", "services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// GetService returns one service instance.
func (c *Client) GetService(ctx context.Context, serviceConfigID string) (models.Service, error) {
	var service models.Service
	err := c.do(ctx, http.MethodGet, "/api/v2/service/"+url.PathEscape(serviceConfigID), "service", nil, &service)
	return service, err
}

// DeploymentStatus returns the deployment state of a service.
func (c *Client) DeploymentStatus(ctx context.Context, serviceConfigID string) (models.DeploymentStatus, error) {
	var deployment models.Deployment
	err := c.do(ctx, http.MethodGet, "/api/v2/service/"+url.PathEscape(serviceConfigID)+"/deployment", "deployment", nil, &deployment)
	return deployment.Status, err
}

// StartService deploys and runs a service.
func (c *Client) StartService(ctx context.Context, serviceConfigID string) error {
	return c.doAuthed(ctx, http.MethodPost, "/api/v2/service/"+url.PathEscape(serviceConfigID), "start", nil, nil)
}

// StopDeployment stops a running service.
func (c *Client) StopDeployment(ctx context.Context, serviceConfigID string) error {
	return c.doAuthed(ctx, http.MethodPost, "/api/v2/service/"+url.PathEscape(serviceConfigID)+"/deployment/stop", "stop", nil, nil)
}

// FundingRequirements reports whether a service is funded enough to start.
func (c *Client) FundingRequirements(ctx context.Context, serviceConfigID string) (models.FundingRequirements, error) {
	var req models.FundingRequirements
	err := c.doAuthed(ctx, http.MethodGet, "/api/v2/service/"+url.PathEscape(serviceConfigID)+"/funding_requirements", "funding", nil, &req)
	return req, err
}

// HasSafe reports whether the master safe exists on chain.
func (c *Client) HasSafe(ctx context.Context, chain string) (bool, error) {
	err := c.doAuthed(ctx, http.MethodGet, "/api/wallet/safe/"+url.PathEscape(chain), "safe", nil, nil)
	if err == nil {
		return true, nil
	}
	if IsStatus(err, http.StatusNotFound) {
		return false, nil
	}
	return false, err
}

// CreateSafe creates the master safe on chain.
func (c *Client) CreateSafe(ctx context.Context, chain string) error {
	return c.doAuthed(ctx, http.MethodPost, "/api/wallet/safe", "create_safe", map[string]string{"chain": chain}, nil)
}
