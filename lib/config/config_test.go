// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ConfigSuite{})

type ConfigSuite struct{}

func (s *ConfigSuite) TestDefaults(c *check.C) {
	cfg, err := Load(bytes.NewBufferString(""))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Listen, check.Equals, ":9500")
	c.Check(cfg.EventBus.Driver, check.Equals, "mem")
	c.Check(cfg.Batch.Timeout.Duration(), check.Equals, 5*time.Second)
	c.Check(cfg.MaxFinishedRuns, check.Equals, 1000)
}

func (s *ConfigSuite) TestOverrides(c *check.C) {
	cfg, err := Load(bytes.NewBufferString(`
Listen: ":8080"
ManagementToken: xyzzy
EventBus:
  Driver: redis
  Redis:
    Addr: redis.example:6379
    DB: 3
Batch:
  Size: "25%"
  Timeout: 1m30s
`))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Listen, check.Equals, ":8080")
	c.Check(cfg.ManagementToken, check.Equals, "xyzzy")
	c.Check(cfg.EventBus.Driver, check.Equals, "redis")
	c.Check(cfg.EventBus.Redis.Addr, check.Equals, "redis.example:6379")
	c.Check(cfg.EventBus.Redis.DB, check.Equals, 3)
	c.Check(cfg.Batch.Size, check.Equals, "25%")
	c.Check(cfg.Batch.Timeout.Duration(), check.Equals, 90*time.Second)
	// Unmentioned fields keep their defaults.
	c.Check(cfg.Batch.GatherJobTimeout.Duration(), check.Equals, 10*time.Second)
	c.Check(cfg.RosterPath, check.Equals, "/etc/fleetbatch/roster.yml")
}

func (s *ConfigSuite) TestBadConfig(c *check.C) {
	for _, trial := range []string{
		"EventBus: {Driver: carrier-pigeon}",
		"EventBus: {Driver: redis, Redis: {Addr: \"\"}}",
		"RosterPath: \"\"",
		"MaxFinishedRuns: 0",
		"Batch: {Timeout: 600}",
		"{not yaml",
	} {
		_, err := Load(bytes.NewBufferString(trial))
		c.Check(err, check.NotNil, check.Commentf("config %q", trial))
	}
}
