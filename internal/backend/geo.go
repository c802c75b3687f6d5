package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// GeoClient fetches the region eligibility of geo-restricted agents.
type GeoClient struct {
	url  string
	http *http.Client
}

// NewGeoClient creates a geo eligibility client.
func NewGeoClient(url string, timeout time.Duration) *GeoClient {
	return &GeoClient{
		url:  url,
		http: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type geoResponse struct {
	Eligibility map[string]struct {
		Status string `json:"status"`
	} `json:"eligibility"`
}

// Fetch returns the status ("allowed", "restricted", ...) per agent type.
func (g *GeoClient) Fetch(ctx context.Context) (map[models.AgentType]string, error) {
	var body geoResponse
	if err := getJSON(ctx, g.http, g.url, "geo", &body); err != nil {
		return nil, err
	}
	out := make(map[models.AgentType]string, len(body.Eligibility))
	for agentType, e := range body.Eligibility {
		out[models.AgentType(agentType)] = e.Status
	}
	return out, nil
}

func getJSON(ctx context.Context, hc *http.Client, url, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", endpoint, err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}
