// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// Event types relayed to subscribers of a container UUID.
var containerEventTypes = []string{"stderr", "crunch-run", "update"}

type eventMessage struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
	Properties struct {
		Text string
	}
}

// eventClient relays Arvados websocket events about container UUIDs
// to subscribed channels, so a waiting runner can refresh its
// container request as soon as something changes.
type eventClient struct {
	*arvados.Client
	notifying map[string]map[chan<- eventMessage]int
	wantClose chan struct{}
	wsconn    *websocket.Conn
	mtx       sync.Mutex

	// Delay before reconnecting after an error (default 5s).
	retryDelay time.Duration
}

func subscription(method, uuid string) map[string]interface{} {
	return map[string]interface{}{
		"method": method,
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", containerEventTypes},
		},
	}
}

// Subscribe sends events about uuid to ch. Subscribing the same
// {ch, uuid} pair twice delivers each event once, but needs two
// Unsubscribe calls to stop.
func (client *eventClient) Subscribe(ch chan<- eventMessage, uuid string) {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	if client.notifying == nil {
		client.notifying = map[string]map[chan<- eventMessage]int{}
		client.wantClose = make(chan struct{})
		go client.runNotifier()
	}
	chmap := client.notifying[uuid]
	if chmap == nil {
		chmap = map[chan<- eventMessage]int{}
		client.notifying[uuid] = chmap
	}
	needSub := len(chmap) == 0
	chmap[ch]++
	if needSub && client.wsconn != nil {
		go json.NewEncoder(client.wsconn).Encode(subscription("subscribe", uuid))
	}
}

func (client *eventClient) Unsubscribe(ch chan<- eventMessage, uuid string) {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	chmap := client.notifying[uuid]
	if chmap == nil {
		return
	}
	if n := chmap[ch] - 1; n > 0 {
		chmap[ch] = n
		return
	}
	delete(chmap, ch)
	if len(chmap) > 0 {
		return
	}
	delete(client.notifying, uuid)
	if client.wsconn != nil {
		go json.NewEncoder(client.wsconn).Encode(subscription("unsubscribe", uuid))
	}
}

// Close stops the notifier and drops all subscriptions.
func (client *eventClient) Close() {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	if client.notifying == nil {
		return
	}
	client.notifying = nil
	close(client.wantClose)
	if client.wsconn != nil {
		client.wsconn.Close()
		client.wsconn = nil
	}
}

// wait returns false if the client is closed before the retry
// delay elapses.
func (client *eventClient) wait() bool {
	delay := client.retryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	select {
	case <-client.wantClose:
		return false
	case <-time.After(delay):
		return true
	}
}

func (client *eventClient) runNotifier() {
	for {
		conn, err := client.connect()
		if err != nil {
			log.Warn(err)
			if !client.wait() {
				return
			}
			continue
		}
		client.mtx.Lock()
		select {
		case <-client.wantClose:
			client.mtx.Unlock()
			conn.Close()
			return
		default:
		}
		client.wsconn = conn
		resubscribe := make([]string, 0, len(client.notifying))
		for uuid := range client.notifying {
			resubscribe = append(resubscribe, uuid)
		}
		client.mtx.Unlock()

		go func() {
			w := json.NewEncoder(conn)
			for _, uuid := range resubscribe {
				w.Encode(subscription("subscribe", uuid))
			}
		}()

		r := json.NewDecoder(conn)
		for {
			var msg eventMessage
			err := r.Decode(&msg)
			select {
			case <-client.wantClose:
				return
			default:
			}
			if err != nil {
				log.Printf("error decoding websocket message: %s", err)
				client.mtx.Lock()
				client.wsconn = nil
				client.mtx.Unlock()
				go conn.Close()
				break
			}
			client.mtx.Lock()
			for ch := range client.notifying[msg.ObjectUUID] {
				go func(ch chan<- eventMessage) { ch <- msg }(ch)
			}
			client.mtx.Unlock()
		}
		if !client.wait() {
			return
		}
	}
}

// connect looks up the cluster's websocket endpoint and dials it.
func (client *eventClient) connect() (*websocket.Conn, error) {
	var cluster arvados.Cluster
	err := client.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	wsURLNoToken := wsURL.String()
	wsURL.RawQuery = url.Values{"api_token": []string{client.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return nil, fmt.Errorf("websocket connection error: %w", err)
	}
	log.Printf("connected to websocket at %s", wsURLNoToken)
	return conn, nil
}
