package cmd

import (
	"fmt"
	"io"

	"github.com/bnema/ardysactl/internal/cache"
	"github.com/bnema/ardysactl/internal/cdn"
	"github.com/bnema/ardysactl/internal/config"
	"github.com/bnema/ardysactl/internal/conflict"
	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/locate"
	"github.com/bnema/ardysactl/internal/patcher"
	"github.com/bnema/ardysactl/internal/target"
)

// app holds the engine wired from the config
type app struct {
	cfg     *config.Config
	target  *target.Target
	cdn     *cdn.Selector
	cache   *cache.Cache
	patcher *patcher.Patcher
	svc     *install.Service
}

type appOptions struct {
	decider     conflict.Decider
	cloneOutput io.Writer
	// noTarget skips game discovery for commands that only need the CDN
	noTarget bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newSelector(cfg *config.Config) *cdn.Selector {
	return cdn.New(cdn.FromConfig(cfg.Endpoints), cdn.Options{
		ProbePath:    cfg.ProbePath,
		ProbeTimeout: cfg.ProbeTimeout.Duration,
		RankingTTL:   cfg.RankingTTL.Duration,
		MaxAttempts:  cfg.MaxAttempts,
	}, getLogger())
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, cdn: newSelector(cfg)}
	// Rank mirrors while the rest starts up; downloads use config order until then
	a.cdn.Start()

	a.cache, err = cache.New(cfg.CacheDir, a.cdn, cfg.Concurrency, getLogger())
	if err != nil {
		a.close()
		return nil, err
	}
	if opts.noTarget {
		return a, nil
	}

	dir := gameDir
	if dir == "" {
		dir = cfg.GameDir
	}
	root, err := locate.New(getLogger()).Find(dir)
	if err != nil {
		a.close()
		return nil, err
	}
	a.target = target.New(root, cfg.DataDir)

	var profile *patcher.Profile
	if cfg.PatchProfile != "" {
		profile, err = patcher.LoadProfile(cfg.PatchProfile)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	strategy, err := conflict.ParseStrategy(cfg.ConflictStrategy)
	if err != nil {
		a.close()
		return nil, err
	}
	loadBearing, err := conflict.NewMatcher(cfg.LoadBearing)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("invalid load-bearing pattern: %w", err)
	}

	a.patcher = patcher.New(profile, getLogger())
	a.svc = install.New(install.Options{
		Cache:   a.cache,
		Patcher: a.patcher,
		Conflicts: conflict.Policy{
			Strategy: strategy,
			Decider:  opts.decider,
			Timeout:  cfg.InteractiveTimeout.Duration,
		},
		LoadBearing:    loadBearing,
		MinFreeBytes:   cfg.MinFreeBytes,
		BasePackageURL: cfg.BasePackagePath,
		CloneOutput:    opts.cloneOutput,
	}, getLogger())

	getLogger().Debug("Engine ready", "target", a.target, "endpoints", len(cfg.Endpoints), "strategy", strategy)
	return a, nil
}

func (a *app) close() {
	a.cdn.Close()
}
