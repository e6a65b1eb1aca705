// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/ghodss/yaml"
)

// DefaultConfigFile is loaded when no -config argument is given.
const DefaultConfigFile = "/etc/fleetbatch/config.yml"

// Load reads a YAML configuration from rdr, applies it on top of the
// compiled-in defaults, and validates the result.
func Load(rdr io.Reader) (Config, error) {
	cfg := DefaultConfig()
	buf, err := ioutil.ReadAll(rdr)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, cfg.Check()
}

// LoadFile is Load on the named file. A missing default config file
// is not an error; the compiled-in defaults apply.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) && path == DefaultConfigFile {
		cfg := DefaultConfig()
		return cfg, cfg.Check()
	} else if err != nil {
		return DefaultConfig(), err
	}
	defer f.Close()
	return Load(f)
}
