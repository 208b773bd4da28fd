// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2019, 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the engine's TOML configuration (spec §6.4) and
// watches it for changes, following the teacher's cmd/dtnd/configuration.go
// tomlConfig pattern for decoding and cmd/dtn-tool/exchange.go's fsnotify
// watcher loop for reload.
package config

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Config is the engine's §6.4 configuration surface.
type Config struct {
	Node    NodeConf
	Logging LogConf
	Cache   CacheConf
	Custody CustodyConf
	Router  RouterConf
}

// NodeConf names this node's own endpoint.
type NodeConf struct {
	Id string `toml:"node-id"`
}

// LogConf controls logrus's verbosity, following cmd/dtnd/configuration.go's logConf.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// CacheConf carries the cache's §6.4 sizing and retransmission variables.
type CacheConf struct {
	MemSize              int    `toml:"cache_mem_size"`
	ActiveTableSize      int    `toml:"active_table_size"`
	RetransmitIntervalMs int64  `toml:"retransmit_interval_ms"`
	MaxBundleLength      int    `toml:"max_bundle_length"`
	WrapPolicy           string `toml:"wrap_policy"`
	OffloadDir           string `toml:"offload_dir"`
}

// CustodyConf carries the custody machine's batching variables.
type CustodyConf struct {
	AckRateMs int64 `toml:"ack_rate_ms"`
	BatchMax  int   `toml:"batch_max"`
}

// RouterConf carries the routing table's bounds.
type RouterConf struct {
	MaxRoutes int `toml:"max_routes"`
}

// Load decodes the TOML file at path into a Config.
func Load(path string) (Config, error) {
	var conf Config
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return Config{}, fmt.Errorf("config: decoding %q failed: %w", path, err)
	}
	return conf, nil
}

// Watcher reloads a Config from its source file whenever fsnotify reports a
// write to or creation of it, handing the new value to OnReload. It follows the same
// fsnotify.NewWatcher/Add/select-loop idiom as the teacher's file-exchange
// tool, scoped to a single file instead of a directory.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	current  Config
	OnReload func(Config)

	closeChan chan struct{}
}

// NewWatcher loads path once and starts watching it for further writes.
func NewWatcher(path string) (*Watcher, error) {
	conf, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting file watcher failed: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watching %q failed: %w", path, err)
	}

	w := &Watcher{
		path:      path,
		watcher:   fw,
		current:   conf,
		closeChan: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.closeChan)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.closeChan:
			return

		case e, ok := <-w.watcher.Events:
			if !ok {
				log.Error("config: fsnotify event channel closed")
				return
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			conf, err := Load(w.path)
			if err != nil {
				log.WithError(err).Warn("config: reload failed, keeping previous configuration")
				continue
			}

			w.mu.Lock()
			w.current = conf
			w.mu.Unlock()

			log.WithField("path", w.path).Info("config: reloaded")
			if w.OnReload != nil {
				w.OnReload(conf)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				log.Error("config: fsnotify error channel closed")
				return
			}
			log.WithError(err).Error("config: fsnotify errored")
		}
	}
}
