// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

type Credentials struct {
	Tokens []string
}

func NewCredentials(tokens ...string) *Credentials {
	return &Credentials{Tokens: tokens}
}

func NewContext(ctx context.Context, c *Credentials) context.Context {
	return context.WithValue(ctx, contextKeyCredentials{}, c)
}

func FromContext(ctx context.Context) (*Credentials, bool) {
	c, ok := ctx.Value(contextKeyCredentials{}).(*Credentials)
	return c, ok
}

func CredentialsFromRequest(r *http.Request) *Credentials {
	if c, ok := FromContext(r.Context()); ok {
		// preloaded by middleware
		return c
	}
	c := NewCredentials()
	c.LoadTokensFromHTTPRequest(r)
	return c
}

// LoadTokensFromHTTPRequest loads all tokens it can find in the
// headers and query string of an http request.
func (a *Credentials) LoadTokensFromHTTPRequest(r *http.Request) {
	// "Authorization: Bearer ..." header, the usual form for API
	// clients.
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && toks[0] == "Bearer" {
		a.Tokens = append(a.Tokens, strings.TrimSpace(toks[1]))
	}

	// Basic auth password, for callers like curl -u that can't
	// easily set a Bearer header.
	if _, password, ok := r.BasicAuth(); ok {
		a.Tokens = append(a.Tokens, strings.TrimSpace(password))
	}

	// Query string. Not recommended, but convenient for browsers
	// pointed at read-only endpoints.
	qvalues, _ := url.ParseQuery(r.URL.RawQuery)
	if val, ok := qvalues["api_token"]; ok {
		a.Tokens = append(a.Tokens, val...)
	}
}
