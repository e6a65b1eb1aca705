// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type contextKey struct {
	name string
}

var (
	requestTimeContextKey = contextKey{"requestTime"}
	loggerContextKey      = contextKey{"logger"}
)

// LogRequests wraps an http.Handler, logging each request and
// response via logger.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := WrapResponseWriter(wrapped)
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":  req.Header.Get("X-Request-Id"),
			"remoteAddr": req.RemoteAddr,
			"reqMethod":  req.Method,
			"reqPath":    req.URL.Path[1:],
			"reqQuery":   req.URL.RawQuery,
			"reqBytes":   req.ContentLength,
		})
		ctx := req.Context()
		ctx = context.WithValue(ctx, &requestTimeContextKey, time.Now())
		ctx = context.WithValue(ctx, &loggerContextKey, lgr)
		req = req.WithContext(ctx)

		lgr.Debug("request")
		defer logResponse(w, req, lgr)
		h.ServeHTTP(w, req)
	})
}

// Logger returns the logger for the given request, with request
// fields already attached.
func Logger(req *http.Request) logrus.FieldLogger {
	if lgr, ok := req.Context().Value(&loggerContextKey).(logrus.FieldLogger); ok {
		return lgr
	}
	return logrus.StandardLogger()
}

func logResponse(w ResponseWriter, req *http.Request, lgr logrus.FieldLogger) {
	if tStart, ok := req.Context().Value(&requestTimeContextKey).(time.Time); ok {
		lgr = lgr.WithField("timeTotal", time.Since(tStart).Seconds())
	}
	respCode := w.WroteStatus()
	if respCode == 0 {
		respCode = http.StatusOK
	}
	lgr.WithFields(logrus.Fields{
		"respStatusCode": respCode,
		"respStatus":     http.StatusText(respCode),
		"respBytes":      w.WroteBodyBytes(),
	}).Info("response")
}
