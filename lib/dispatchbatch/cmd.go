// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchbatch

import (
	"context"

	"github.com/fleetbatch/fleetbatch/lib/cmd"
	"github.com/fleetbatch/fleetbatch/lib/config"
	"github.com/fleetbatch/fleetbatch/lib/service"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.RunFunc = service.Command("dispatcher", newHandler)

func newHandler(ctx context.Context, cfg config.Config, reg *prometheus.Registry) service.Handler {
	disp := &dispatcher{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
	}
	go disp.Start()
	return disp
}
