package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/fetcher"
	"github.com/sells-group/imagefilter/internal/gate"
	"github.com/sells-group/imagefilter/internal/metrics"
	"github.com/sells-group/imagefilter/internal/pipeline"
	"github.com/sells-group/imagefilter/internal/resilience"
	"github.com/sells-group/imagefilter/internal/resolve"
	"github.com/sells-group/imagefilter/internal/store"
	"github.com/sells-group/imagefilter/internal/vision"
)

// pipelineEnv holds the store, networks and pipeline needed by the run,
// serve and worker commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Metrics  *metrics.Metrics

	closers []func() error
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		if err := pe.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
	pe.closers = nil
}

// initPipeline validates the config for mode, opens the store, loads both
// networks and refuses to continue if the placeholder image would pass the
// relevance check. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string, notifier pipeline.Notifier) (_ *pipelineEnv, err error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &pipelineEnv{Metrics: metrics.New()}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, st.Close)

	scratch, err := resolve.NewScratch(cfg.Pipeline.ScratchDir)
	if err != nil {
		return nil, err
	}

	netCfg := func(model, config string) vision.NetConfig {
		return vision.NetConfig{ModelPath: model, ConfigPath: config, Backend: cfg.Models.Backend, Layout: cfg.Models.Layout}
	}
	relevance, err := vision.NewRelevanceNet(netCfg(cfg.Models.RelevancePath, cfg.Models.RelevanceConfig))
	if err != nil {
		return nil, eris.Wrap(err, "load relevance network")
	}
	env.closers = append(env.closers, relevance.Close)

	types, err := vision.NewTypeNet(netCfg(cfg.Models.TypePath, cfg.Models.TypeConfig))
	if err != nil {
		return nil, eris.Wrap(err, "load type network")
	}
	env.closers = append(env.closers, types.Close)

	dec := vision.Decoder{Size: cfg.Models.InputSize}
	placeholder, err := resolve.LoadPlaceholder(dec, cfg.Pipeline.PlaceholderImage)
	if err != nil {
		return nil, err
	}
	if err := gate.VerifyPlaceholder(ctx, relevance, placeholder); err != nil {
		return nil, err
	}

	policy := resilience.FromFetchConfig(cfg.Fetch)
	policy.Breaker.OnStateChange = env.Metrics.BreakerObserver(resilience.LogStateChange)

	router := fetcher.NewDefaultRouter(
		fetcher.HTTPOptions{
			UserAgent:  cfg.Fetch.UserAgent,
			Timeout:    policy.Timeout,
			Retry:      policy.Retry,
			RatePerSec: cfg.Fetch.RatePerSec,
		},
		fetcher.FTPOptions{Timeout: policy.Timeout},
	)
	resolver := resolve.New(router, dec, scratch, placeholder, resolve.Options{
		Timeout:  policy.Timeout + time.Duration(policy.Retry.MaxAttempts)*policy.Retry.MaxBackoff,
		Breakers: resilience.NewHostBreakers(policy.Breaker),
	})

	env.Pipeline = pipeline.New(pipeline.Deps{
		Store:    st,
		Resolver: resolver,
		Gate:     gate.New(relevance, types),
		Scratch:  scratch,
		Metrics:  env.Metrics,
		Notifier: notifier,
	}, pipeline.Options{
		Cleanup: cfg.Pipeline.Cleanup,
		Dedup:   cfg.Pipeline.Dedup,
	})

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("scratch_dir", scratch.Dir()),
		zap.String("cleanup", cfg.Pipeline.Cleanup),
		zap.Bool("dedup", cfg.Pipeline.Dedup),
	)
	return env, nil
}
