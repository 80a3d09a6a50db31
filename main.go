// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/meowcoin/meowminer/internal/api"
	"github.com/meowcoin/meowminer/internal/device"
	"github.com/meowcoin/meowminer/internal/mining"
	"github.com/meowcoin/meowminer/internal/pool"
)

func main() {
	// Load configuration and parse command line. This also initializes
	// logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	runtime.GOMAXPROCS(cfg.MaxProcs)

	closeLog := func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}

	log.Infof("Version: %s", version())
	log.Infof("Runtime: Go version %s", runtime.Version())
	log.Infof("Home dir: %s", cfg.HomeDir)

	// Shutdown on interrupt signals; pool exhaustion and fatal backend
	// errors cancel the same context.
	ctx, cancel := shutdownListener()
	defer cancel()

	backend := device.NewCPUBackend(int(cfg.CPUDevices))
	farm, err := mining.NewFarm(cfg.farmConfig(), backend)
	if err != nil {
		log.Errorf("Failed to create farm: %v", err)
		closeLog()
		os.Exit(1)
	}

	// A fatal backend error terminates the process with a non-zero
	// status once shutdown completes.
	var fatal uint32
	farm.OnFatal(func(err error) {
		atomic.StoreUint32(&fatal, 1)
		cancel()
	})

	settings, err := cfg.poolSettings()
	if err != nil {
		log.Errorf("Failed to parse pool settings: %v", err)
		closeLog()
		os.Exit(1)
	}

	manager := pool.NewManager(settings, farm, cancel)
	manager.Start()

	if cfg.APIListen != "" {
		srv := api.NewServer(api.Config{
			Listen:       cfg.APIListen,
			AdminEnabled: cfg.APIAdmin,
		}, farm, manager)
		go srv.Run(ctx)
	}

	<-ctx.Done()

	manager.Stop()
	if farm.IsMining() {
		farm.Stop()
	}
	log.Info("Miner shut down")
	closeLog()

	if atomic.LoadUint32(&fatal) == 1 {
		os.Exit(1)
	}
}
