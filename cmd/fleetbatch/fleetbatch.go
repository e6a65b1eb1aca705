// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Command fleetbatch runs the batch dispatch service and related
// tools.
package main

import (
	"os"

	"github.com/fleetbatch/fleetbatch/lib/cmd"
	"github.com/fleetbatch/fleetbatch/lib/dispatchbatch"
)

var handler = cmd.Multi(map[string]cmd.RunFunc{
	"dispatcher": dispatchbatch.Command,
	"version":    cmd.Version,
	"--version":  cmd.Version,
})

func main() {
	os.Exit(handler(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
