// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ctxlog

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LogSuite{})

type LogSuite struct{}

func (s *LogSuite) TestSetLevelAndFormat(c *check.C) {
	var buf bytes.Buffer
	rootLogger.Out = &buf
	defer func() {
		rootLogger.Out = os.Stderr
		SetFormat("json")
		SetLevel("info")
	}()
	SetFormat("text")
	SetLevel("warn")

	logger := FromContext(context.Background())
	logger.Info("beneath the level")
	logger.Warn("above the level")

	got := buf.String()
	c.Check(strings.Contains(got, "beneath the level"), check.Equals, false)
	c.Check(strings.Contains(got, "above the level"), check.Equals, true)
	c.Check(strings.Contains(got, "level=warning"), check.Equals, true)

	buf.Reset()
	SetFormat("json")
	logger.Error("as json")
	c.Check(strings.Contains(buf.String(), `"msg":"as json"`), check.Equals, true)
}

func (s *LogSuite) TestContextRoundTrip(c *check.C) {
	logger := New(&bytes.Buffer{}, "json", "debug").WithField("Service", "test")
	ctx := Context(context.Background(), logger)
	c.Check(FromContext(ctx), check.Equals, logger)
}
