// DotMemory - Privacy-aware multi-agent memory pipeline
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dotsetgreg/dotmemory/pkg/agent"
	"github.com/dotsetgreg/dotmemory/pkg/analysis"
	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/extraction"
	"github.com/dotsetgreg/dotmemory/pkg/generation"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/privacy"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
	"github.com/dotsetgreg/dotmemory/pkg/retrieval"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

const appName = "dotmemory"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Fprintf(w, "  Build: %s\n", buildTime)
	}
	fmt.Fprintf(w, "  Go: %s\n", runtime.Version())
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the stores shared by every command. The pipeline is built on
// demand because only chat needs a provider.
type app struct {
	cfg      *config.Config
	store    *memory.SQLiteStore
	vectors  *memory.ChromemIndex
	locks    *memory.ProfileLocks
	profiles *memory.ProfileService
	closers  []func()
}

func openApp(configPath string, debug bool) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, goerr.Wrap(err, "load config", goerr.V("path", configPath))
	}
	if err := cfg.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid config", goerr.V("path", configPath))
	}
	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	logger.Configure(level, os.Stderr)

	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return nil, goerr.Wrap(err, "create data dir", goerr.V("dir", cfg.DataDir()))
	}
	store, err := memory.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, goerr.Wrap(err, "open memory store", goerr.V("path", cfg.DBPath()))
	}
	vectors, err := memory.NewChromemIndex(cfg.VectorDir(), memory.NewEmbedder(cfg.Memory.EmbeddingModel))
	if err != nil {
		_ = store.Close()
		return nil, goerr.Wrap(err, "open vector index", goerr.V("dir", cfg.VectorDir()))
	}
	locks := memory.NewProfileLocks()

	a := &app{
		cfg:      cfg,
		store:    store,
		vectors:  vectors,
		locks:    locks,
		profiles: memory.NewProfileService(store, vectors, locks),
	}
	a.closers = append(a.closers, func() { _ = store.Close() })
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// coordinator wires the five agents over the shared stores.
func (a *app) coordinator() (*agent.Coordinator, error) {
	llm, err := providers.CreateProvider(a.cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "create provider", goerr.V("provider", a.cfg.ProviderName()))
	}

	rules, err := privacy.LoadRules(a.cfg.Privacy.RulesFile)
	if err != nil {
		return nil, goerr.Wrap(err, "load privacy rules", goerr.V("path", a.cfg.Privacy.RulesFile))
	}
	detector, err := privacy.NewDetector(rules)
	if err != nil {
		return nil, goerr.Wrap(err, "build pii detector")
	}

	retriever, err := retrieval.New(a.store, a.vectors, llm, a.cfg.Retrieval)
	if err != nil {
		return nil, goerr.Wrap(err, "build retriever")
	}
	a.closers = append(a.closers, retriever.Close)

	generator, err := generation.New(llm, a.cfg.Generation, generation.LoadBasePrompt(a.cfg.DataDir()))
	if err != nil {
		return nil, goerr.Wrap(err, "build generator")
	}
	extractor, err := extraction.New(a.store, a.vectors, llm, a.locks, a.cfg.Extraction)
	if err != nil {
		return nil, goerr.Wrap(err, "build extractor")
	}

	return agent.NewCoordinator(agent.Deps{
		Privacy:   privacy.NewGuardian(detector, a.store),
		Retriever: retriever,
		Generator: generator,
		Extractor: extractor,
		Analyst:   analysis.New(a.store, a.cfg.Coordinator.AnalysisInterval),
		Store:     a.store,
	}, a.cfg.Coordinator)
}

func (a *app) sweeper() (*memory.Sweeper, error) {
	return memory.NewSweeper(a.store, a.vectors, a.locks, a.cfg.Memory.SweepSchedule, a.cfg.Memory.SweepThreshold)
}

// startSweeper runs the periodic dedup pass for the lifetime of the app when
// it is enabled.
func (a *app) startSweeper() error {
	if !a.cfg.Memory.SweepEnabled {
		return nil
	}
	s, err := a.sweeper()
	if err != nil {
		return goerr.Wrap(err, "build sweeper")
	}
	s.Start()
	a.closers = append(a.closers, s.Stop)
	return nil
}
