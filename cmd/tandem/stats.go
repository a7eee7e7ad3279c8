package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tandem/pkg/config"
	"tandem/pkg/metrics"
)

const statsTimeout = 10 * time.Second

// runStats queries aggregated coordination metrics for this agent from
// Prometheus and prints them. Used by operators to eyeball how often the
// agent resolved solo versus parallel or synthesis.
func runStats(configPath, prometheusURL string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	qs, err := metrics.NewQueryService(prometheusURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	agent := cfg.Agent.Name
	am, err := qs.GetAgentMetrics(ctx, agent)
	if err != nil {
		return err
	}

	fmt.Printf("agent:            %s\n", am.Agent)
	fmt.Printf("rounds resolved:  %d\n", am.Rounds)
	fmt.Printf("rounds expired:   %d\n", am.ExpiredRounds)
	fmt.Printf("dispatches:       %d\n", am.Dispatches)
	fmt.Printf("gateway requests: %d (%d errors)\n", am.GatewayRequests, am.GatewayErrors)

	byMode, err := qs.GetRoundsByMode(ctx, agent)
	if err != nil {
		return err
	}
	if len(byMode) == 0 {
		return nil
	}

	modes := make([]string, 0, len(byMode))
	for mode := range byMode {
		modes = append(modes, mode)
	}
	sort.Strings(modes)

	fmt.Println("rounds by mode:")
	for _, mode := range modes {
		fmt.Printf("  %-10s %d\n", mode, byMode[mode])
	}
	return nil
}
