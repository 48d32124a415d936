package cmd

import (
	"context"
	"time"

	"github.com/spf13/viper"

	"apkforge/internal/android"
	"apkforge/internal/diagnose"
	"apkforge/internal/gitsafety"
	"apkforge/internal/logbus"
	"apkforge/internal/pipeline"
	"apkforge/internal/repoguard"
	"apkforge/internal/store"
	"apkforge/internal/taskrun"
)

// core bundles the components composed by every command that drives a
// build (apkforge build, apkforge serve, apkforge mcp): the Repo Guard, Git Safety
// Layer, Log Bus, Task Runtime, and Build Pipeline of spec.md §4, wired
// against the shared store and process-wide config.
type core struct {
	store    store.Store
	guard    *repoguard.Guard
	safety   *gitsafety.Layer
	bus      *logbus.Bus
	runtime  *taskrun.Runtime
	pipeline *pipeline.Pipeline
}

// newCore constructs the core against s using viper-configured limits
// and directories. It reconciles any task left non-terminal by a prior
// process crash, per spec.md §4.4.4's Abandoned handling.
func newCore(ctx context.Context, s store.Store) (*core, error) {
	guard := repoguard.New()
	safety := gitsafety.New(s, viper.GetString("snapshots_dir"))
	bus := logbus.New()
	timeout := time.Duration(viper.GetInt("task_timeout_minutes")) * time.Minute
	rt := taskrun.New(s, viper.GetInt("max_concurrent_tasks"), timeout)
	p := pipeline.New(guard, safety, bus, rt, android.NewAnalyzer())

	if apiKey := viper.GetString("anthropic.api_key"); apiKey != "" {
		p.Diagnoser = diagnose.NewClient(apiKey, viper.GetString("anthropic.model"))
	}

	nonTerminal, err := s.ListNonTerminalTasks(ctx)
	if err == nil && len(nonTerminal) > 0 {
		taskrun.ReconcileAfterRestart(ctx, s, nonTerminal)
	}

	return &core{store: s, guard: guard, safety: safety, bus: bus, runtime: rt, pipeline: p}, nil
}
