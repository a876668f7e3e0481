package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Global debug flag
var DebugMode bool

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Environment variable takes precedence over the flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled {
		metrics = NewPrometheusMetrics()
		metrics.StartResourceUpdater(ctx)
		metrics.StartPushgatewayWorker(ctx, config)
		log.Println("Prometheus metrics enabled")
	}

	var rtc HardwareClock
	setSystem := config.SystemClock.Set
	if config.Receiver.Source == SourceReplay {
		log.Println("Replaying a recording: RTC and system clock are left alone")
		setSystem = false
	} else if config.RTC.Enabled {
		rtc, err = openRTC(config.RTC.Device)
		if err != nil {
			log.Printf("Warning: %v (continuing without RTC)", err)
			rtc = nil
		}
	}
	keeper := NewTimeKeeper(rtc, setSystem, config.RTC.MinValidYear, metrics)
	defer keeper.Close()

	source, enabler, err := openLineSource(&config.Receiver)
	if err != nil {
		log.Fatalf("Failed to open receiver line: %v", err)
	}
	defer source.Close()

	receiver, err := NewReceiver(config, source, enabler, keeper, metrics)
	if err != nil {
		log.Fatalf("Failed to create receiver: %v", err)
	}

	if pin := config.Receiver.GPIO.LEDPin; pin != "" {
		led, err := openGPIOLED(pin)
		if err != nil {
			log.Printf("Warning: status LED disabled: %v", err)
		} else {
			defer led.Close()
			receiver.SetLED(led)
		}
	}

	if config.Recording.Enabled && config.Receiver.Source != SourceReplay {
		rec, err := newLevelRecorder(config.Recording.Dir, config.Receiver.Timing.Timing().TickPeriod, time.Now())
		if err != nil {
			log.Fatalf("Failed to start recording: %v", err)
		}
		receiver.SetRecorder(rec)
	}

	var frameLog *FrameLogger
	if config.FrameLog.Enabled {
		frameLog, err = NewFrameLogger(config.FrameLog.Dir, config.FrameLog.MaxAgeDays)
		if err != nil {
			log.Fatalf("Failed to create frame log: %v", err)
		}
		defer frameLog.Close()
		receiver.AddListener(frameLog)
		log.Printf("Frame log enabled: %s (keeping %d days)", config.FrameLog.Dir, config.FrameLog.MaxAgeDays)
	}

	publisher, err := metrics.StartMQTTPublisher(ctx, config, receiver)
	if err != nil {
		log.Printf("Warning: %v", err)
	} else if publisher != nil {
		defer publisher.Disconnect()
	}

	if config.Resync.Enabled {
		schedule, err := config.Resync.Schedule()
		if err != nil {
			log.Fatalf("Invalid resync schedule: %v", err)
		}
		scheduler := NewResyncScheduler(schedule, func() {
			tctx, tcancel := context.WithTimeout(ctx, 5*time.Second)
			defer tcancel()
			if err := receiver.StartAcquisition(tctx, "resync"); err != nil {
				log.Printf("[Resync] %v", err)
			}
		})
		go scheduler.Run(ctx)
	}

	hub := NewEventHub(receiver, metrics)
	mux := http.NewServeMux()
	registerRoutes(mux, config, receiver, hub, frameLog)

	server := &http.Server{
		Addr:    config.Server.Listen,
		Handler: corsMiddleware(config, mux),
	}

	go func() {
		log.Printf("Server listening on %s", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
			cancel()
		}
	}()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Println("Shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := receiver.Run(ctx); err != nil {
		log.Printf("Receiver stopped: %v", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error closing server: %v", err)
	}
	log.Println("Stopped")
}
