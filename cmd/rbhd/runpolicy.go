package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/clusterfs/rbhd/internal/action"
	"github.com/clusterfs/rbhd/internal/config"
	"github.com/clusterfs/rbhd/internal/policyrun"
	"github.com/clusterfs/rbhd/internal/sched"
	"github.com/clusterfs/rbhd/internal/sched/distlock"
	"github.com/clusterfs/rbhd/internal/store"
)

func newRunPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-policy NAME",
		Short: "Run one configured policy to completion against the current database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicy(cmd.Context(), args[0])
		},
	}
	return cmd
}

func runPolicy(ctx context.Context, name string) error {
	a, cleanup, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	pc, err := findPolicyConfig(a.cfg, name)
	if err != nil {
		return err
	}

	reg := action.NewRegistry()
	act, err := buildAction(pc.Action)
	if err != nil {
		return fmt.Errorf("rbhd: policy %s: %w", name, err)
	}

	rule := policyrun.Rule{
		Name:      pc.Name,
		FileClass: pc.Name,
		Match:     buildConditionMatch(pc.Condition, time.Now),
		Action: func(ctx context.Context, c policyrun.Candidate, params map[string]string) (map[string]string, error) {
			actx := action.Context{
				Cfg:       a.cfg.App.Name,
				FSPath:    c.EntryID,
				Rule:      pc.Name,
				FileClass: c.FileClass,
				Path:      c.EntryID,
				Name:      c.EntryID,
			}
			return action.Dispatch(ctx, reg, act, c.EntryID, c.Attrs, params, actx)
		},
	}

	stages := []sched.Stage{
		sched.NewConcurrencyLimiter(a.cfg.Scan.NbThreads),
		sched.NewVolumeLimiter(pc.TargetVolume),
	}
	if a.cfg.Redis.Addr != "" {
		stages = append(stages, distlock.New(
			redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr, Password: a.cfg.Redis.Password, DB: a.cfg.Redis.DB}),
			fmt.Sprintf("rbhd:%s:", pc.Name),
			a.cfg.Lock.TTL,
		))
	}
	stack := sched.New(stages...)

	engine := &policyrun.Engine{
		Name:  pc.Name,
		Rules: []policyrun.Rule{rule},
		Limits: policyrun.Limits{
			TargetCount:      pc.TargetCount,
			TargetVolume:     pc.TargetVolume,
			SuspendErrorMin:  pc.SuspendErrorMin,
			SuspendErrorPct:  pc.SuspendErrorPct,
			EOLProbeInterval: pc.MaxEntries,
		},
		Workers:           a.cfg.Scan.NbThreads,
		TimeOrderedOnSize: true,
		PolicyDefaults:    pc.Action.Params,
		Stack:             stack,
		Logger:            a.logger,
		PostAction: func(ctx context.Context, c policyrun.Candidate, _ policyrun.Outcome, _ map[string]string) error {
			return a.store.Update(ctx, c.EntryID, map[string]any{
				"last_mod": c.LastMod,
				"size":     c.Size,
			})
		},
	}

	it, err := a.store.Iterator(ctx, store.Filter{}, store.Sort{Attr: store.SortLastMod}, store.IteratorOpts{})
	if err != nil {
		return fmt.Errorf("rbhd: policy %s: open iterator: %w", name, err)
	}
	defer it.Close()

	report, err := engine.Run(ctx, &storeSource{it: it})
	if err != nil {
		a.logger.Error("policy run failed", "policy", name, "error", err)
		return err
	}

	a.logger.Info("policy run complete",
		"policy", name,
		"scanned", report.Scanned,
		"matched", report.Matched,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"volume_bytes", report.VolumeBytes,
		"suspended", report.Suspended,
		"stopped_eol", report.StoppedEOL,
		"duration", report.Duration,
	)
	return nil
}

func findPolicyConfig(cfg *config.Config, name string) (config.PolicyConfig, error) {
	for _, p := range cfg.Policies {
		if p.Name == name {
			return p, nil
		}
	}
	return config.PolicyConfig{}, fmt.Errorf("rbhd: no policy named %q configured", name)
}

// buildConditionMatch is this policy's single rule-tree node (spec 4.7
// step 5): an entry matches only if it's at least MinAge old and, when
// FileClasses is set, carries one of the listed fileclasses.
func buildConditionMatch(cond config.PolicyConditionConfig, now func() time.Time) func(policyrun.Candidate) bool {
	return func(c policyrun.Candidate) bool {
		if cond.MinAge > 0 && now().Sub(c.LastMod) < cond.MinAge {
			return false
		}
		if len(cond.FileClasses) > 0 {
			matched := false
			for _, fc := range cond.FileClasses {
				if fc == c.FileClass {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
		return true
	}
}

func buildAction(pc config.PolicyActionConfig) (action.Action, error) {
	switch {
	case pc.Function != "":
		return action.Action{Type: action.TypeFunction, Name: pc.Function}, nil
	case len(pc.Command) > 0:
		return action.Action{Type: action.TypeCommand, Argv: pc.Command}, nil
	default:
		return action.Action{}, fmt.Errorf("no action.function or action.command configured")
	}
}

// storeSource adapts a store.Iterator to policyrun.Source.
type storeSource struct {
	it store.Iterator
}

func (s *storeSource) Next(ctx context.Context) (policyrun.Candidate, bool, error) {
	row, ok, err := s.it.Next(ctx)
	if err != nil || !ok {
		return policyrun.Candidate{}, ok, err
	}
	return policyrun.Candidate{
		EntryID:         row.EntryID,
		Size:            row.Size,
		LastMod:         row.LastMod,
		FileClass:       row.FileClass,
		Attrs:           row.Columns,
		QueuedSortValue: row.LastMod,
		QueuedSize:      row.Size,
	}, true, nil
}
