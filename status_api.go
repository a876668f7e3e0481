package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
)

// StartTime is the process start, for uptime reporting
var StartTime = time.Now()

// HealthResponse is returned by /health
type HealthResponse struct {
	Status        string    `json:"status"`
	State         string    `json:"state"`
	TimeAvailable bool      `json:"time_available"`
	NoSignal      bool      `json:"no_signal"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	CPUCores      int       `json:"cpu_cores,omitempty"`
	Load1Min      float64   `json:"load_1min"`
	Timestamp     time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// registerRoutes wires the HTTP API onto mux
func registerRoutes(mux *http.ServeMux, config *Config, receiver *Receiver, hub *EventHub, frameLog *FrameLogger) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, r, receiver)
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		handleStatus(w, r, receiver)
	})
	mux.HandleFunc("/api/pulses", func(w http.ResponseWriter, r *http.Request) {
		handlePulses(w, r, receiver)
	})
	mux.HandleFunc("/api/acquisition", adminMiddleware(config, func(w http.ResponseWriter, r *http.Request) {
		handleAcquisition(w, r, receiver)
	}))
	mux.HandleFunc("/api/time", adminMiddleware(config, func(w http.ResponseWriter, r *http.Request) {
		handleSetTime(w, r, receiver)
	}))
	mux.HandleFunc("/api/frames", func(w http.ResponseWriter, r *http.Request) {
		handleFrames(w, r, frameLog)
	})
	if hub != nil {
		mux.HandleFunc("/ws", hub.HandleWebSocket)
	}
	if config.Prometheus.Enabled {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			handlePrometheusMetrics(w, r, config)
		})
	}
}

// handleHealth reports liveness together with the receiver state
func handleHealth(w http.ResponseWriter, r *http.Request, receiver *Receiver) {
	st := receiver.Status()
	resp := HealthResponse{
		Status:        "ok",
		State:         st.State,
		TimeAvailable: st.TimeAvailable,
		NoSignal:      st.NoSignal,
		UptimeSeconds: time.Since(StartTime).Seconds(),
		Timestamp:     time.Now().UTC(),
	}
	if st.Searching && st.NoSignal {
		resp.Status = "no_signal"
	}
	if cores, err := cpu.Counts(false); err == nil {
		resp.CPUCores = cores
	}
	if avg, err := load.Avg(); err == nil {
		resp.Load1Min = avg.Load1
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleStatus(w http.ResponseWriter, r *http.Request, receiver *Receiver) {
	writeJSON(w, http.StatusOK, receiver.Status())
}

func handlePulses(w http.ResponseWriter, r *http.Request, receiver *Receiver) {
	stats := receiver.PulseStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"classes":     stats.Summary(),
		"noise_ratio": stats.NoiseRatio(),
	})
}

// handleAcquisition starts or stops acquisition: POST {"action":"start"|"stop"}
func handleAcquisition(w http.ResponseWriter, r *http.Request, receiver *Receiver) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var err error
	switch req.Action {
	case "start":
		err = receiver.StartAcquisition(ctx, "api")
	case "stop":
		err = receiver.StopAcquisition(ctx)
	default:
		writeError(w, http.StatusBadRequest, "action must be start or stop")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	log.Printf("[API] Acquisition %s requested by %s", req.Action, getClientIP(r))
	writeJSON(w, http.StatusOK, receiver.Status())
}

// handleSetTime sets the clocks by hand: POST {"time":"<RFC3339>"}
func handleSetTime(w http.ResponseWriter, r *http.Request, receiver *Receiver) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Time string `json:"time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := time.Parse(time.RFC3339, req.Time)
	if err != nil {
		writeError(w, http.StatusBadRequest, "time must be RFC3339")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := receiver.SetTime(ctx, t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[API] Time set to %s by %s", t.Format(time.RFC3339), getClientIP(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleFrames returns the logged frames of one day: GET ?date=YYYY-MM-DD (default today)
func handleFrames(w http.ResponseWriter, r *http.Request, frameLog *FrameLogger) {
	if frameLog == nil {
		writeError(w, http.StatusServiceUnavailable, "frame logging is not enabled")
		return
	}
	day := time.Now()
	if ds := r.URL.Query().Get("date"); ds != "" {
		var err error
		day, err = time.ParseInLocation("2006-01-02", ds, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}
	frames, err := frameLog.ReadFrames(day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if frames == nil {
		frames = []FrameRecord{}
	}
	writeJSON(w, http.StatusOK, frames)
}

// adminMiddleware guards the endpoints that change acquisition or the clocks.
// Requests must come from an allowed address, carry the admin password when one
// is configured, and post JSON. Forwarded-for headers are not trusted here.
func adminMiddleware(config *Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		clientIP := r.RemoteAddr
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
		if !config.Server.IsAdminAllowed(clientIP) {
			log.Printf("[API] Admin access denied for IP %s (not in allowed list)", clientIP)
			writeError(w, http.StatusForbidden, "IP address not allowed")
			return
		}

		if want := config.Server.AdminPassword; want != "" {
			got := r.Header.Get("X-Admin-Password")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				log.Printf("[API] Admin authentication failed for IP %s", clientIP)
				writeError(w, http.StatusUnauthorized, "invalid or missing X-Admin-Password")
				return
			}
		}

		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
			return
		}
		next(w, r)
	}
}

// handlePrometheusMetrics serves Prometheus metrics with IP-based access control
func handlePrometheusMetrics(w http.ResponseWriter, r *http.Request, config *Config) {
	clientIP := getClientIP(r)
	if !config.Prometheus.IsIPAllowed(clientIP) {
		w.WriteHeader(http.StatusForbidden)
		if _, err := w.Write([]byte("403 Forbidden: Access denied\n")); err != nil {
			log.Printf("Error writing forbidden response: %v", err)
		}
		log.Printf("Prometheus metrics access denied for IP: %s", clientIP)
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}

// getClientIP extracts the client IP from the request, honouring X-Forwarded-For
func getClientIP(r *http.Request) string {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP = strings.TrimSpace(xff)
		if commaIdx := strings.Index(clientIP, ","); commaIdx != -1 {
			clientIP = strings.TrimSpace(clientIP[:commaIdx])
		}
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
	}
	return clientIP
}

// corsMiddleware adds CORS headers to all responses if enabled in config
func corsMiddleware(config *Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Server.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Password")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
