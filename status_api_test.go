package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func newTestServer(c *qt.C, cfg *Config) *httptest.Server {
	path := writeSimRecording(c, simStart, time.Second)
	cfg.Receiver.Source = SourceReplay
	cfg.Receiver.Replay.File = path
	r, _ := newReplayReceiver(c, cfg, &fakeClock{})

	fl, err := NewFrameLogger(c.TempDir(), 0)
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { fl.Close() })

	mux := http.NewServeMux()
	registerRoutes(mux, cfg, r, nil, fl)
	srv := httptest.NewServer(corsMiddleware(cfg, mux))
	c.Cleanup(srv.Close)
	return srv
}

func TestStatusEndpoints(t *testing.T) {
	c := qt.New(t)
	cfg, err := ParseConfig(nil)
	c.Assert(err, qt.IsNil)
	srv := newTestServer(c, cfg)

	resp, err := http.Get(srv.URL + "/api/status")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	var st ReceiverStatus
	c.Assert(json.NewDecoder(resp.Body).Decode(&st), qt.IsNil)
	c.Assert(st.Source, qt.Equals, SourceReplay)
	c.Assert(st.TimeAvailable, qt.IsFalse)

	resp, err = http.Get(srv.URL + "/health")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()
	var health HealthResponse
	c.Assert(json.NewDecoder(resp.Body).Decode(&health), qt.IsNil)
	c.Assert(health.Status, qt.Equals, "ok")

	resp, err = http.Get(srv.URL + "/api/frames?date=2024-03-10")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	var frames []FrameRecord
	c.Assert(json.NewDecoder(resp.Body).Decode(&frames), qt.IsNil)
	c.Assert(frames, qt.HasLen, 0)

	// no /metrics unless prometheus is enabled
	resp, err = http.Get(srv.URL + "/metrics")
	c.Assert(err, qt.IsNil)
	resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusNotFound)
}

var badRequestTests = []struct {
	about  string
	method string
	path   string
	body   string
	status int
}{{
	about:  "acquisition needs POST",
	method: http.MethodGet,
	path:   "/api/acquisition",
	status: http.StatusMethodNotAllowed,
}, {
	about:  "unknown action",
	method: http.MethodPost,
	path:   "/api/acquisition",
	body:   `{"action":"restart"}`,
	status: http.StatusBadRequest,
}, {
	about:  "time is not JSON",
	method: http.MethodPost,
	path:   "/api/time",
	body:   `now`,
	status: http.StatusBadRequest,
}, {
	about:  "time is not RFC3339",
	method: http.MethodPost,
	path:   "/api/time",
	body:   `{"time":"10.03.2024 12:00"}`,
	status: http.StatusBadRequest,
}, {
	about:  "bad frame date",
	method: http.MethodGet,
	path:   "/api/frames?date=yesterday",
	status: http.StatusBadRequest,
}}

func TestStatusBadRequests(t *testing.T) {
	c := qt.New(t)
	cfg, err := ParseConfig(nil)
	c.Assert(err, qt.IsNil)
	srv := newTestServer(c, cfg)

	for _, test := range badRequestTests {
		c.Run(test.about, func(c *qt.C) {
			req, err := http.NewRequest(test.method, srv.URL+test.path, strings.NewReader(test.body))
			c.Assert(err, qt.IsNil)
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			c.Assert(err, qt.IsNil)
			defer resp.Body.Close()
			c.Assert(resp.StatusCode, qt.Equals, test.status)

			var body map[string]string
			c.Assert(json.NewDecoder(resp.Body).Decode(&body), qt.IsNil)
			c.Assert(body["error"], qt.Not(qt.Equals), "")
		})
	}
}

func TestMetricsAccessControl(t *testing.T) {
	c := qt.New(t)
	cfg, err := ParseConfig([]byte("prometheus: {enabled: true, allowed_hosts: [10.0.0.0/8]}"))
	c.Assert(err, qt.IsNil)
	srv := newTestServer(c, cfg)

	resp, err := http.Get(srv.URL + "/metrics")
	c.Assert(err, qt.IsNil)
	resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusForbidden)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	c.Assert(err, qt.IsNil)
	req.Header.Set("X-Forwarded-For", "10.1.2.3, 127.0.0.1")
	resp, err = http.DefaultClient.Do(req)
	c.Assert(err, qt.IsNil)
	resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
}

func TestCORSPreflight(t *testing.T) {
	c := qt.New(t)
	cfg, err := ParseConfig([]byte("server: {enable_cors: true}"))
	c.Assert(err, qt.IsNil)
	srv := newTestServer(c, cfg)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/acquisition", nil)
	c.Assert(err, qt.IsNil)
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, qt.IsNil)
	resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusNoContent)
	c.Assert(resp.Header.Get("Access-Control-Allow-Origin"), qt.Equals, "*")
}

// newRunningServer serves the API of a receiver whose loop is running, so
// commands are answered
func newRunningServer(c *qt.C, cfg *Config) (*httptest.Server, *fakeClock) {
	path := writeSimRecording(c, simStart, time.Second)
	cfg.Receiver.Source = SourceReplay
	cfg.Receiver.Replay.File = path
	cfg.Receiver.Replay.Loop = true
	cfg.Receiver.Replay.Realtime = true
	cfg.Boot.Start = BootNever
	clock := &fakeClock{}
	r, _ := newReplayReceiver(c, cfg, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	c.Cleanup(func() {
		cancel()
		<-done
	})

	mux := http.NewServeMux()
	registerRoutes(mux, cfg, r, nil, nil)
	srv := httptest.NewServer(mux)
	c.Cleanup(srv.Close)
	return srv, clock
}

var adminTests = []struct {
	about       string
	config      string
	contentType string
	password    string
	forwarded   string
	status      int
	writes      int
}{{
	about:       "loopback without password",
	contentType: "application/json",
	status:      http.StatusOK,
	writes:      1,
}, {
	about:       "form post",
	contentType: "text/plain",
	status:      http.StatusUnsupportedMediaType,
}, {
	about:       "missing password",
	config:      "server: {admin_password: s3cret}",
	contentType: "application/json",
	status:      http.StatusUnauthorized,
}, {
	about:       "wrong password",
	config:      "server: {admin_password: s3cret}",
	contentType: "application/json",
	password:    "guess",
	status:      http.StatusUnauthorized,
}, {
	about:       "right password",
	config:      "server: {admin_password: s3cret}",
	contentType: "application/json; charset=utf-8",
	password:    "s3cret",
	status:      http.StatusOK,
	writes:      1,
}, {
	about:       "address not allowed",
	config:      "server: {admin_allowed_hosts: [10.0.0.0/8]}",
	contentType: "application/json",
	status:      http.StatusForbidden,
}, {
	about:       "forwarded address is ignored",
	config:      "server: {admin_allowed_hosts: [10.0.0.0/8]}",
	contentType: "application/json",
	forwarded:   "10.1.2.3",
	status:      http.StatusForbidden,
}}

func TestAdminEndpointsAccess(t *testing.T) {
	c := qt.New(t)
	for _, test := range adminTests {
		c.Run(test.about, func(c *qt.C) {
			cfg, err := ParseConfig([]byte(test.config))
			c.Assert(err, qt.IsNil)
			srv, clock := newRunningServer(c, cfg)

			req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/time", strings.NewReader(`{"time":"1999-01-01T00:00:00Z"}`))
			c.Assert(err, qt.IsNil)
			req.Header.Set("Content-Type", test.contentType)
			if test.password != "" {
				req.Header.Set("X-Admin-Password", test.password)
			}
			if test.forwarded != "" {
				req.Header.Set("X-Forwarded-For", test.forwarded)
			}
			resp, err := http.DefaultClient.Do(req)
			c.Assert(err, qt.IsNil)
			resp.Body.Close()
			c.Assert(resp.StatusCode, qt.Equals, test.status)
			c.Assert(clock.set, qt.HasLen, test.writes)
		})
	}
}

func TestAdminAcquisitionControl(t *testing.T) {
	c := qt.New(t)
	cfg, err := ParseConfig(nil)
	c.Assert(err, qt.IsNil)
	srv, _ := newRunningServer(c, cfg)

	resp, err := http.Post(srv.URL+"/api/acquisition", "application/json", strings.NewReader(`{"action":"start"}`))
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	var st ReceiverStatus
	c.Assert(json.NewDecoder(resp.Body).Decode(&st), qt.IsNil)
	c.Assert(st.Searching, qt.IsTrue)
}
