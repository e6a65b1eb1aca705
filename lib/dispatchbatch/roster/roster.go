// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package roster resolves target expressions against a YAML inventory
// of known agents.
package roster

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// Entry describes one agent in the roster file.
type Entry struct {
	// Labels select groups of agents via "label:name" target parts.
	Labels []string `json:"Labels,omitempty"`
}

type rosterFile struct {
	Agents map[string]Entry `json:"Agents"`
}

// A Roster maps target expressions to agent identifiers. It reloads
// its backing file when the file changes on disk.
type Roster struct {
	logger  logrus.FieldLogger
	path    string
	watcher *fsnotify.Watcher

	mtx     sync.RWMutex
	entries map[string]Entry

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Load reads the roster file at path and returns a Roster serving its
// contents. Call Watch to pick up subsequent edits, and Close when
// done.
func Load(logger logrus.FieldLogger, path string) (*Roster, error) {
	ro := &Roster{
		logger:  logger,
		path:    path,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := ro.reload(); err != nil {
		return nil, err
	}
	return ro, nil
}

func (ro *Roster) reload() error {
	buf, err := ioutil.ReadFile(ro.path)
	if err != nil {
		return fmt.Errorf("roster: read %s: %w", ro.path, err)
	}
	var file rosterFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return fmt.Errorf("roster: parse %s: %w", ro.path, err)
	}
	if file.Agents == nil {
		file.Agents = map[string]Entry{}
	}
	ro.mtx.Lock()
	ro.entries = file.Agents
	ro.mtx.Unlock()
	ro.logger.WithFields(logrus.Fields{
		"Path":   ro.path,
		"Agents": len(file.Agents),
	}).Info("roster loaded")
	return nil
}

// Watch starts reloading the roster whenever the backing file is
// rewritten. A file revision that fails to parse is logged and skipped;
// the previous roster stays in effect.
func (ro *Roster) Watch() error {
	var err error
	ro.setupOnce.Do(func() {
		ro.watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return
		}
		// Watch the directory, not the file: editors and
		// configuration management typically replace the file by
		// rename, which would silently detach a file-level watch.
		err = ro.watcher.Add(filepath.Dir(ro.path))
		if err != nil {
			ro.watcher.Close()
			return
		}
		go ro.watch()
	})
	return err
}

func (ro *Roster) watch() {
	defer close(ro.stopped)
	for {
		select {
		case event, ok := <-ro.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(ro.path) {
				continue
			}
			if err := ro.reload(); err != nil {
				ro.logger.WithError(err).Warn("roster reload failed, keeping previous roster")
			}
		case err, ok := <-ro.watcher.Errors:
			if !ok {
				return
			}
			ro.logger.WithError(err).Warn("roster watch error")
		case <-ro.stop:
			return
		}
	}
}

// Close stops the file watcher, if any.
func (ro *Roster) Close() error {
	ro.setupOnce.Do(func() {})
	if ro.watcher == nil {
		return nil
	}
	close(ro.stop)
	err := ro.watcher.Close()
	<-ro.stopped
	return err
}

// Resolve expands a target expression into the sorted set of matching
// agent identifiers. An expression is a comma-separated list of parts;
// each part is a glob pattern matched against agent identifiers, or
// "label:name" matching agents carrying that label. An agent matching
// any part is included.
func (ro *Roster) Resolve(target string) ([]string, error) {
	ro.mtx.RLock()
	defer ro.mtx.RUnlock()
	matched := map[string]struct{}{}
	for _, part := range strings.Split(target, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if label, ok := trimPrefix(part, "label:"); ok {
			for id, entry := range ro.entries {
				for _, l := range entry.Labels {
					if l == label {
						matched[id] = struct{}{}
						break
					}
				}
			}
			continue
		}
		for id := range ro.entries {
			ok, err := doublestar.Match(part, id)
			if err != nil {
				return nil, fmt.Errorf("roster: bad target pattern %q: %w", part, err)
			}
			if ok {
				matched[id] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func trimPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
