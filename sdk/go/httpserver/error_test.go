// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ErrorSuite{})

type ErrorSuite struct{}

func (s *ErrorSuite) TestErrorfStatus(c *check.C) {
	err := Errorf(http.StatusTeapot, "out of %s", "coffee")
	c.Check(err.Error(), check.Equals, "out of coffee")
	se, ok := err.(HTTPStatusError)
	c.Assert(ok, check.Equals, true)
	c.Check(se.HTTPStatus(), check.Equals, http.StatusTeapot)
}

func (s *ErrorSuite) TestErrorResponseFormat(c *check.C) {
	resp := httptest.NewRecorder()
	Error(resp, "no such run", http.StatusNotFound)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
	c.Check(resp.Header().Get("Content-Type"), check.Equals, "application/json")
	var body ErrorResponse
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &body), check.IsNil)
	c.Check(body.Errors, check.DeepEquals, []string{"no such run"})
}
