// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"golang.org/x/net/websocket"
	"gopkg.in/check.v1"
)

const (
	testEventToken = "eventtesttoken"
	testCtrUUID    = "zzzzz-dz642-aaaaaaaaaaaaaaa"
	testOtherUUID  = "zzzzz-dz642-bbbbbbbbbbbbbbb"
)

// eventStub serves the cluster config and a websocket endpoint that
// answers each subscribe request with an update event for an
// unrelated UUID followed by one for the subscribed UUID.
type eventStub struct {
	srv         *httptest.Server
	configFails int32
	received    chan string
}

func newEventStub(configFails int32) *eventStub {
	stub := &eventStub{
		configFails: configFails,
		received:    make(chan string, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/arvados/v1/config", func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt32(&stub.configFails, -1) >= 0 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"Services": map[string]interface{}{
				"Controller": map[string]string{"ExternalURL": stub.srv.URL},
				"Websocket":  map[string]string{"ExternalURL": stub.srv.URL},
			},
		})
	})
	mux.Handle("/websocket", websocket.Handler(func(ws *websocket.Conn) {
		if ws.Request().URL.Query().Get("api_token") != testEventToken {
			return
		}
		dec := json.NewDecoder(ws)
		enc := json.NewEncoder(ws)
		for {
			var req struct {
				Method  string
				Filters [][]interface{}
			}
			if dec.Decode(&req) != nil || len(req.Filters) == 0 || len(req.Filters[0]) < 3 {
				return
			}
			uuid, _ := req.Filters[0][2].(string)
			stub.received <- req.Method + " " + uuid
			if req.Method == "subscribe" {
				enc.Encode(map[string]string{"object_uuid": testOtherUUID, "event_type": "update"})
				enc.Encode(map[string]string{"object_uuid": uuid, "event_type": "update"})
			}
		}
	}))
	stub.srv = httptest.NewServer(mux)
	return stub
}

func (stub *eventStub) client() *eventClient {
	u, _ := url.Parse(stub.srv.URL)
	return &eventClient{
		Client: &arvados.Client{
			Scheme:    "http",
			APIHost:   u.Host,
			AuthToken: testEventToken,
		},
		retryDelay: 10 * time.Millisecond,
	}
}

type eventSuite struct{}

var _ = check.Suite(&eventSuite{})

func expectEvent(c *check.C, ch <-chan eventMessage) eventMessage {
	select {
	case msg := <-ch:
		return msg
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for event")
	}
	return eventMessage{}
}

func expectReceived(c *check.C, stub *eventStub) string {
	select {
	case s := <-stub.received:
		return s
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for subscription request")
	}
	return ""
}

func (s *eventSuite) TestSubscribe(c *check.C) {
	stub := newEventStub(0)
	defer stub.srv.Close()
	client := stub.client()
	defer client.Close()

	ch := make(chan eventMessage)
	client.Subscribe(ch, testCtrUUID)
	c.Check(expectReceived(c, stub), check.Equals, "subscribe "+testCtrUUID)
	msg := expectEvent(c, ch)
	c.Check(msg.ObjectUUID, check.Equals, testCtrUUID)
	c.Check(msg.EventType, check.Equals, "update")
	select {
	case msg := <-ch:
		c.Errorf("unexpected event %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *eventSuite) TestUnsubscribeCounts(c *check.C) {
	stub := newEventStub(0)
	defer stub.srv.Close()
	client := stub.client()
	defer client.Close()

	ch := make(chan eventMessage)
	client.Subscribe(ch, testCtrUUID)
	c.Check(expectReceived(c, stub), check.Equals, "subscribe "+testCtrUUID)
	expectEvent(c, ch)

	// A second subscription for the same pair is only counted.
	client.Subscribe(ch, testCtrUUID)
	client.Unsubscribe(ch, testCtrUUID)
	client.mtx.Lock()
	c.Check(client.notifying[testCtrUUID][ch], check.Equals, 1)
	client.mtx.Unlock()

	client.Unsubscribe(ch, testCtrUUID)
	client.mtx.Lock()
	_, ok := client.notifying[testCtrUUID]
	client.mtx.Unlock()
	c.Check(ok, check.Equals, false)
	c.Check(expectReceived(c, stub), check.Equals, "unsubscribe "+testCtrUUID)

	// Unknown pairs are ignored.
	client.Unsubscribe(ch, testOtherUUID)
}

func (s *eventSuite) TestReconnect(c *check.C) {
	stub := newEventStub(2)
	defer stub.srv.Close()
	client := stub.client()
	defer client.Close()

	ch := make(chan eventMessage)
	client.Subscribe(ch, testCtrUUID)
	c.Check(expectReceived(c, stub), check.Equals, "subscribe "+testCtrUUID)
	c.Check(expectEvent(c, ch).ObjectUUID, check.Equals, testCtrUUID)
	c.Check(atomic.LoadInt32(&stub.configFails) < 0, check.Equals, true)
}

func (s *eventSuite) TestCloseStopsRetrying(c *check.C) {
	stub := newEventStub(1 << 30)
	defer stub.srv.Close()
	client := stub.client()
	client.Subscribe(make(chan eventMessage), testCtrUUID)
	client.Close()
	client.Close()
	client.mtx.Lock()
	c.Check(client.notifying, check.IsNil)
	client.mtx.Unlock()
}
