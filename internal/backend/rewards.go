package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/autorun/pkg/models"
)

// RewardsClient queries the staking rewards service.
type RewardsClient struct {
	baseURL string
	http    *http.Client
}

// NewRewardsClient creates a rewards client. An empty baseURL yields a
// client whose lookups always fail.
func NewRewardsClient(baseURL string, timeout time.Duration) *RewardsClient {
	return &RewardsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type rewardsResponse struct {
	IsEligibleForRewards *bool `json:"is_eligible_for_rewards"`
}

// FetchRewardsEligibility reports whether the agent's service earned
// rewards in the current epoch.
func (r *RewardsClient) FetchRewardsEligibility(ctx context.Context, meta models.AgentMeta) (bool, error) {
	if r.baseURL == "" {
		return false, fmt.Errorf("rewards: no endpoint configured")
	}
	path := fmt.Sprintf("%s/rewards/%d/%s/%d?multisig=%s",
		r.baseURL, meta.ChainID, url.PathEscape(meta.StakingProgramID), meta.ServiceNFTTokenID, url.QueryEscape(meta.Multisig))

	var body rewardsResponse
	if err := getJSON(ctx, r.http, path, "rewards", &body); err != nil {
		return false, err
	}
	if body.IsEligibleForRewards == nil {
		return false, fmt.Errorf("rewards: response missing is_eligible_for_rewards")
	}
	return *body.IsEligibleForRewards, nil
}
