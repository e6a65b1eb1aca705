// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fleetbatch/fleetbatch/sdk/go/ctxlog"
	"github.com/go-redis/redis/v8"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RedisBusSuite{})

type RedisBusSuite struct {
	srv *fakeRedisServer
}

func (s *RedisBusSuite) SetUpTest(c *check.C) {
	s.srv = newFakeRedisServer(c)
}

func (s *RedisBusSuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *RedisBusSuite) newBus(c *check.C) *RedisBus {
	bus, err := NewRedisBus(context.Background(), ctxlog.TestLogger(c), &redis.Options{
		Addr: s.srv.Addr(),
	})
	c.Assert(err, check.IsNil)
	return bus
}

// Close must return even though the subscription pump is blocked
// reading from the server: closing the pubsub is what ends the pump,
// so Close has to do that before waiting for the pump to finish.
func (s *RedisBusSuite) TestCloseWithActiveSubscription(c *check.C) {
	bus := s.newBus(c)
	ch := bus.Subscribe()

	closed := make(chan error, 1)
	go func() { closed <- bus.Close() }()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		c.Fatal("Close did not return while a subscription pump was running")
	}
	if _, open := <-ch; open {
		c.Error("subscriber channel still open after Close")
	}
}

func (s *RedisBusSuite) TestCloseWithoutSubscription(c *check.C) {
	bus := s.newBus(c)
	closed := make(chan error, 1)
	go func() { closed <- bus.Close() }()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		c.Fatal("Close did not return")
	}
}

// fakeRedisServer speaks just enough RESP to satisfy the client: PING
// gets +PONG, SUBSCRIBE gets a subscription confirmation, and
// everything else is ignored while the connection stays open.
type fakeRedisServer struct {
	ln    net.Listener
	mtx   sync.Mutex
	conns []net.Conn
}

func newFakeRedisServer(c *check.C) *fakeRedisServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	srv := &fakeRedisServer{ln: ln}
	go srv.accept()
	return srv
}

func (srv *fakeRedisServer) Addr() string {
	return srv.ln.Addr().String()
}

func (srv *fakeRedisServer) Close() {
	srv.ln.Close()
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	for _, conn := range srv.conns {
		conn.Close()
	}
}

func (srv *fakeRedisServer) accept() {
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			return
		}
		srv.mtx.Lock()
		srv.conns = append(srv.conns, conn)
		srv.mtx.Unlock()
		go srv.serve(conn)
	}
}

func (srv *fakeRedisServer) serve(conn net.Conn) {
	rdr := bufio.NewReader(conn)
	wantChannel := false
	for {
		line, err := rdr.ReadString('\n')
		if err != nil {
			return
		}
		payload := strings.TrimRight(line, "\r\n")
		// Skip protocol framing; react to payload lines only.
		if strings.HasPrefix(payload, "*") || strings.HasPrefix(payload, "$") {
			continue
		}
		switch {
		case wantChannel:
			wantChannel = false
			fmt.Fprintf(conn, "*3\r\n$9\r\nsubscribe\r\n$%d\r\n%s\r\n:1\r\n", len(payload), payload)
		case strings.EqualFold(payload, "PING"):
			fmt.Fprint(conn, "+PONG\r\n")
		case strings.EqualFold(payload, "SUBSCRIBE"):
			wantChannel = true
		}
	}
}
