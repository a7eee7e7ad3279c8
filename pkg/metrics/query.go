package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// AgentMetrics represents aggregated coordination metrics for a single agent.
type AgentMetrics struct {
	Agent           string `json:"agent"`
	Rounds          int64  `json:"rounds"`
	ExpiredRounds   int64  `json:"expired_rounds"`
	Dispatches      int64  `json:"dispatches"`
	GatewayRequests int64  `json:"gateway_requests"`
	GatewayErrors   int64  `json:"gateway_errors"`
}

// QueryService provides methods to query sidecar metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetAgentMetrics retrieves aggregated round and gateway metrics for a
// specific agent across all of its sidecar instances.
func (q *QueryService) GetAgentMetrics(ctx context.Context, agent string) (*AgentMetrics, error) {
	metrics := &AgentMetrics{
		Agent: agent,
	}

	// Query for resolved rounds
	roundsQuery := fmt.Sprintf(`sum(tandem_rounds_total{agent=%q})`, agent)
	roundsResult, _, err := q.queryAPI.Query(ctx, roundsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}

	if vector, ok := roundsResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Rounds = int64(vector[0].Value)
	}

	// Query for expired rounds
	expiredQuery := fmt.Sprintf(`sum(tandem_rounds_expired_total{agent=%q})`, agent)
	expiredResult, _, err := q.queryAPI.Query(ctx, expiredQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired rounds: %w", err)
	}

	if vector, ok := expiredResult.(model.Vector); ok && len(vector) > 0 {
		metrics.ExpiredRounds = int64(vector[0].Value)
	}

	// Query for dispatches
	dispatchQuery := fmt.Sprintf(`sum(tandem_dispatches_total{agent=%q})`, agent)
	dispatchResult, _, err := q.queryAPI.Query(ctx, dispatchQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}

	if vector, ok := dispatchResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Dispatches = int64(vector[0].Value)
	}

	// Query for gateway request and error counts
	requestsQuery := fmt.Sprintf(`sum(tandem_gateway_requests_total{agent=%q})`, agent)
	requestsResult, _, err := q.queryAPI.Query(ctx, requestsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query gateway requests: %w", err)
	}

	if vector, ok := requestsResult.(model.Vector); ok && len(vector) > 0 {
		metrics.GatewayRequests = int64(vector[0].Value)
	}

	errorsQuery := fmt.Sprintf(`sum(tandem_gateway_requests_total{agent=%q, status="error"})`, agent)
	errorsResult, _, err := q.queryAPI.Query(ctx, errorsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query gateway errors: %w", err)
	}

	if vector, ok := errorsResult.(model.Vector); ok && len(vector) > 0 {
		metrics.GatewayErrors = int64(vector[0].Value)
	}

	return metrics, nil
}

// GetRoundsByMode retrieves resolved round counts broken down by dispatch mode
// for a specific agent. This shows how often the agent responded alone versus
// in parallel or through synthesis.
func (q *QueryService) GetRoundsByMode(ctx context.Context, agent string) (map[string]int64, error) {
	result := make(map[string]int64)

	// Query for all modes recorded for this agent
	modesQuery := fmt.Sprintf(`group by (mode) (tandem_rounds_total{agent=%q})`, agent)
	modesResult, _, err := q.queryAPI.Query(ctx, modesQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query modes: %w", err)
	}

	// Extract unique mode names
	var modes []string
	if vector, ok := modesResult.(model.Vector); ok {
		for _, sample := range vector {
			if mode, ok := sample.Metric["mode"]; ok {
				modes = append(modes, string(mode))
			}
		}
	}

	// Get the round count for each mode
	for _, mode := range modes {
		countQuery := fmt.Sprintf(`sum(tandem_rounds_total{agent=%q, mode=%q})`, agent, mode)
		countResult, _, err := q.queryAPI.Query(ctx, countQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query rounds for mode %s: %w", mode, err)
		}

		if vector, ok := countResult.(model.Vector); ok && len(vector) > 0 {
			result[mode] = int64(vector[0].Value)
		}
	}

	return result, nil
}
