// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package roster

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetbatch/fleetbatch/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&RosterSuite{})

type RosterSuite struct {
	dir  string
	path string
}

func (s *RosterSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	s.path = filepath.Join(s.dir, "roster.yml")
	s.write(c, `
Agents:
  web-01:
    Labels: [frontend]
  web-02:
    Labels: [frontend, canary]
  db-01:
    Labels: [database]
`)
}

func (s *RosterSuite) write(c *check.C, content string) {
	// Write-and-rename so the watcher never sees a half-written
	// file.
	tmp := s.path + "~"
	c.Assert(ioutil.WriteFile(tmp, []byte(content), 0644), check.IsNil)
	c.Assert(os.Rename(tmp, s.path), check.IsNil)
}

func (s *RosterSuite) TestResolve(c *check.C) {
	ro, err := Load(ctxlog.TestLogger(c), s.path)
	c.Assert(err, check.IsNil)
	defer ro.Close()

	for _, trial := range []struct {
		target string
		expect []string
	}{
		{"*", []string{"db-01", "web-01", "web-02"}},
		{"web-*", []string{"web-01", "web-02"}},
		{"web-01", []string{"web-01"}},
		{"web-01,db-*", []string{"db-01", "web-01"}},
		{"label:frontend", []string{"web-01", "web-02"}},
		{"label:canary,db-01", []string{"db-01", "web-02"}},
		{"label:nosuch", []string{}},
		{"nosuch-*", []string{}},
		{"", []string{}},
	} {
		ids, err := ro.Resolve(trial.target)
		c.Assert(err, check.IsNil)
		c.Check(ids, check.DeepEquals, trial.expect, check.Commentf("target %q", trial.target))
	}
}

func (s *RosterSuite) TestBadPattern(c *check.C) {
	ro, err := Load(ctxlog.TestLogger(c), s.path)
	c.Assert(err, check.IsNil)
	defer ro.Close()
	_, err = ro.Resolve("web-[")
	c.Check(err, check.NotNil)
}

func (s *RosterSuite) TestLoadErrors(c *check.C) {
	logger := ctxlog.TestLogger(c)
	_, err := Load(logger, filepath.Join(s.dir, "nonexistent.yml"))
	c.Check(err, check.NotNil)

	s.write(c, "Agents: [not, a, map]")
	_, err = Load(logger, s.path)
	c.Check(err, check.NotNil)
}

func (s *RosterSuite) TestWatchReload(c *check.C) {
	ro, err := Load(ctxlog.TestLogger(c), s.path)
	c.Assert(err, check.IsNil)
	defer ro.Close()
	c.Assert(ro.Watch(), check.IsNil)

	s.write(c, `
Agents:
  web-01: {}
  web-03: {}
`)
	deadline := time.Now().Add(10 * time.Second)
	for {
		ids, err := ro.Resolve("*")
		c.Assert(err, check.IsNil)
		if len(ids) == 2 && ids[1] == "web-03" {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("roster not reloaded; still resolving to %v", ids)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
