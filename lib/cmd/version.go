// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"strings"
)

// Version is set at build time:
// go build -ldflags "-X github.com/fleetbatch/fleetbatch/lib/cmd.version=1.2.3"
var version = "dev"

// Version is a RunFunc that prints the build version.
var Version RunFunc = func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	prog = strings.TrimSuffix(prog, " version")
	prog = strings.TrimSuffix(prog, " --version")
	fmt.Fprintf(stdout, "%s %s\n", prog, version)
	return 0
}
