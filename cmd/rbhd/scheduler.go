package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/clusterfs/rbhd/internal/config"
	"github.com/clusterfs/rbhd/internal/trigger"
)

// startTriggerSchedulers builds an internal/trigger.Coordinator for
// every configured policy and, for each periodic trigger it validates
// successfully, launches a goroutine that fires that policy's run-policy
// on each tick. It returns a stop func that waits for every goroutine
// to exit.
func startTriggerSchedulers(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var running int

	for _, pc := range cfg.Policies {
		coord, err := trigger.NewCoordinator(buildPolicyTriggerConfig(pc))
		if err != nil {
			logger.Warn("scheduler: skipping policy", "policy", pc.Name, "error", err)
			continue
		}
		for _, tr := range coord.Current().Triggers {
			if tr.Kind != trigger.KindPeriodic || tr.Interval <= 0 {
				continue
			}
			running++
			go runPeriodicTrigger(sctx, pc.Name, tr.Interval, logger, done)
		}
	}

	return func() {
		cancel()
		for i := 0; i < running; i++ {
			<-done
		}
	}
}

func runPeriodicTrigger(ctx context.Context, policyName string, interval time.Duration, logger *slog.Logger, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := runPolicy(ctx, policyName); err != nil {
				logger.Warn("scheduler: triggered policy run failed", "policy", policyName, "error", err)
			}
		}
	}
}

func buildPolicyTriggerConfig(pc config.PolicyConfig) trigger.PolicyTriggerConfig {
	triggers := make([]trigger.Trigger, 0, len(pc.Triggers))
	for _, tc := range pc.Triggers {
		triggers = append(triggers, trigger.Trigger{
			Kind:          trigger.Kind(tc.Kind),
			Interval:      tc.Interval,
			Cron:          tc.Cron,
			HighThreshold: tc.HighThreshold,
			LowThreshold:  tc.LowThreshold,
			Target:        tc.Target,
		})
	}
	return trigger.PolicyTriggerConfig{
		PolicyName: pc.Name,
		Triggers:   triggers,
	}
}
