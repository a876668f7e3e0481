package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/gorilla/websocket"
)

func readWS(c *qt.C, conn *websocket.Conn) map[string]interface{} {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	c.Assert(err, qt.IsNil)
	var msg map[string]interface{}
	c.Assert(json.Unmarshal(data, &msg), qt.IsNil)
	return msg
}

func TestEventHub(t *testing.T) {
	c := qt.New(t)
	path := writeSimRecording(c, simStart, time.Second)
	cfg := replayConfig(c, path, BootNever)
	r, _ := newReplayReceiver(c, cfg, &fakeClock{})
	hub := NewEventHub(r, nil)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	c.Assert(err, qt.IsNil)
	defer conn.Close()

	hello := readWS(c, conn)
	c.Assert(hello["type"], qt.Equals, "status")
	c.Assert(hello["client"], qt.Not(qt.Equals), "")
	c.Assert(hub.ClientCount(), qt.Equals, 1)

	// pulses stay off until the client subscribes
	hub.HandleEvent(Event{Type: EventPulse, Data: PulseEvent{Ticks: 6, Bit: "0"}})
	hub.HandleEvent(Event{Type: EventState, Data: "listening"})
	msg := readWS(c, conn)
	c.Assert(msg["type"], qt.Equals, EventState)
	c.Assert(msg["data"], qt.Equals, "listening")

	c.Assert(conn.WriteJSON(map[string]interface{}{"type": "subscribe", "pulses": true}), qt.IsNil)
	c.Assert(conn.WriteJSON(map[string]string{"type": "ping"}), qt.IsNil)
	c.Assert(readWS(c, conn)["type"], qt.Equals, "pong")

	hub.HandleEvent(Event{Type: EventPulse, Data: PulseEvent{Ticks: 12, Bit: "1", Index: 20}})
	msg = readWS(c, conn)
	c.Assert(msg["type"], qt.Equals, EventPulse)
	c.Assert(msg["data"].(map[string]interface{})["index"], qt.Equals, 20.0)
}
