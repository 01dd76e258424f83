// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/raulk/go-watchdog"
	log "github.com/sirupsen/logrus"
)

const (
	defaultChunkSize = 100000
	minChunkSize     = 1000
	maxChunkSize     = 500000
)

// Config holds settings shared by all commands. Values come from
// (in increasing order of precedence) built-in defaults, the -config
// file, environment variables, and command line flags.
type Config struct {
	Catalog     string `toml:"catalog" envconfig:"GWASPI_CATALOG"`
	ChunkSize   int    `toml:"chunk_size" envconfig:"GWASPI_CHUNK_SIZE"`
	MemoryLimit uint64 `toml:"memory_limit" envconfig:"GWASPI_MEMORY_LIMIT"`
	ProjectUUID string `toml:"project" envconfig:"GWASPI_PROJECT"`
	Priority    int    `toml:"priority" envconfig:"GWASPI_PRIORITY"`
	Preemptible bool   `toml:"preemptible" envconfig:"GWASPI_PREEMPTIBLE"`
}

// chunkSize returns the configured marker chunk size, clamped to
// the supported range.
func (cfg *Config) chunkSize() int {
	n := cfg.ChunkSize
	if n <= 0 {
		n = defaultChunkSize
	}
	if n < minChunkSize {
		n = minChunkSize
	}
	if n > maxChunkSize {
		n = maxChunkSize
	}
	return n
}

// runFlags are the flags common to all commands that process a
// matrix.
type runFlags struct {
	Config
	configFile string
	pprof      string
	pprofDir   string
	local      bool
}

func (rf *runFlags) Flags(flags *flag.FlagSet) {
	rf.Config.ChunkSize = defaultChunkSize
	rf.Config.Priority = 500
	flags.StringVar(&rf.configFile, "config", "", "load default settings from TOML `file`")
	flags.StringVar(&rf.pprof, "pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&rf.pprofDir, "pprof-dir", "", "write Go profile data to `directory` periodically")
	flags.BoolVar(&rf.local, "local", false, "run on local host (default: run in an arvados container)")
	flags.StringVar(&rf.ProjectUUID, "project", "", "project `UUID` for output data")
	flags.IntVar(&rf.Priority, "priority", rf.Priority, "container request priority")
	flags.BoolVar(&rf.Preemptible, "preemptible", false, "request preemptible instance")
	flags.StringVar(&rf.Catalog, "catalog", "", "sqlite metadata catalog `file` (default: none)")
	flags.IntVar(&rf.ChunkSize, "chunk-size", rf.ChunkSize, "process `N` markers at a time")
	flags.Uint64Var(&rf.MemoryLimit, "memory-limit", 0, "run GC more aggressively when heap approaches `bytes` (0 = no limit)")
}

// Args returns the command line arguments needed to reproduce the
// shared settings in a container.
func (rf *runFlags) Args() []string {
	return []string{
		"-local=true",
		fmt.Sprintf("-chunk-size=%d", rf.ChunkSize),
		fmt.Sprintf("-memory-limit=%d", rf.MemoryLimit),
	}
}

// Resolve loads the -config file and environment variables into
// rf.Config without overriding any flag given explicitly in flags.
// Call it after flags.Parse.
func (rf *runFlags) Resolve(flags *flag.FlagSet) error {
	explicit := map[string]string{}
	flags.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})
	if rf.configFile != "" {
		_, err := toml.DecodeFile(rf.configFile, &rf.Config)
		if err != nil {
			return fmt.Errorf("%s: %w", rf.configFile, err)
		}
	}
	err := envconfig.Process("", &rf.Config)
	if err != nil {
		return err
	}
	for name, value := range explicit {
		if err := flags.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// Start applies the resolved settings to the local process. The
// returned func releases anything Start set up.
func (rf *runFlags) Start() func() {
	if rf.pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(rf.pprof, nil))
		}()
	}
	ctx, cancel := context.WithCancel(context.Background())
	if rf.pprofDir != "" {
		go writeProfilesPeriodically(ctx, rf.pprofDir, time.Minute)
	}
	if rf.MemoryLimit == 0 {
		return cancel
	}
	err, stopFn := watchdog.HeapDriven(rf.MemoryLimit, 40, watchdog.NewAdaptivePolicy(0.5))
	if err != nil {
		log.Warnf("memory watchdog not started: %s", err)
		return cancel
	}
	log.Infof("memory watchdog started with %d byte limit", rf.MemoryLimit)
	return func() {
		cancel()
		stopFn()
	}
}

// Runner returns a container runner for the named command.
func (rf *runFlags) Runner(name string, ram int64, vcpus int) *arvadosContainerRunner {
	return &arvadosContainerRunner{
		Name:        "gwaspi " + name,
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: rf.ProjectUUID,
		RAM:         ram,
		VCPUs:       vcpus,
		Priority:    rf.Priority,
		Preemptible: rf.Preemptible,
	}
}

// OpenCatalog opens the configured catalog.
func (rf *runFlags) OpenCatalog() (catalog, error) {
	return openCatalog(rf.Catalog)
}
