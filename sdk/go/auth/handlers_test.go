// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&HandlersSuite{})

type HandlersSuite struct {
	served int
}

func (s *HandlersSuite) SetUpTest(c *check.C) {
	s.served = 0
}

func (s *HandlersSuite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.served++
}

func (s *HandlersSuite) TestRequireLiteralTokenEmpty(c *check.C) {
	h := RequireLiteralToken("", s)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/foo", nil))
	c.Check(s.served, check.Equals, 1)
}

func (s *HandlersSuite) TestRequireLiteralToken(c *check.C) {
	h := RequireLiteralToken("xyzzy", s)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/foo", nil))
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.served, check.Equals, 0)

	req := httptest.NewRequest("GET", "/foo", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	c.Check(s.served, check.Equals, 0)

	req = httptest.NewRequest("GET", "/foo", nil)
	req.Header.Set("Authorization", "Bearer xyzzy")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	c.Check(s.served, check.Equals, 1)
}

func (s *HandlersSuite) TestLoadToken(c *check.C) {
	var got *Credentials
	h := LoadToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		s.served++
	}))

	req := httptest.NewRequest("GET", "/foo", nil)
	req.Header.Set("Authorization", "Bearer abcde")
	h.ServeHTTP(httptest.NewRecorder(), req)
	c.Check(s.served, check.Equals, 1)
	c.Assert(got, check.NotNil)
	c.Check(got.Tokens, check.DeepEquals, []string{"abcde"})

	// Credentials attached by an earlier middleware are kept as-is.
	preset := NewCredentials("preset")
	req = httptest.NewRequest("GET", "/foo", nil)
	req.Header.Set("Authorization", "Bearer other")
	req = req.WithContext(NewContext(req.Context(), preset))
	h.ServeHTTP(httptest.NewRecorder(), req)
	c.Check(got, check.Equals, preset)
}

func (s *HandlersSuite) TestCredentialSources(c *check.C) {
	req := httptest.NewRequest("GET", "/foo?api_token=fromquery", nil)
	req.Header.Set("Authorization", "Bearer fromheader")
	req.SetBasicAuth("user", "frombasic")
	creds := CredentialsFromRequest(req)
	c.Check(creds.Tokens, check.DeepEquals, []string{"fromheader", "frombasic", "fromquery"})
}
