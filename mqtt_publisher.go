package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher publishes metrics and decoder results to an MQTT broker
type MQTTPublisher struct {
	client   mqtt.Client
	config   *MQTTConfig
	gatherer prometheus.Gatherer
}

// Bounds for broker round trips
var (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "dcf77rx_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config *MQTTConfig, gatherer prometheus.Gatherer) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	// Last will marks the receiver offline if the connection drops
	opts.SetWill(config.TopicPrefix+"/online", "false", config.QoS, true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
		client.Publish(config.TopicPrefix+"/online", config.QoS, true, "true")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		log.Printf("MQTT: Broker %s not reachable after %v, retrying in the background", config.Broker, mqttConnectTimeout)
	} else if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	} else {
		log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)
	}

	return &MQTTPublisher{
		client:   client,
		config:   config,
		gatherer: gatherer,
	}, nil
}

// StartPublisher publishes the metrics at the configured interval until ctx is done
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Metrics publisher started with %d second interval", mp.config.PublishInterval)

	mp.publishMetrics()

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Metrics publisher stopped")
			return
		case <-ticker.C:
			mp.publishMetrics()
		}
	}
}

// publishMetrics gathers the dcf77 metrics and publishes them as one message
func (mp *MQTTPublisher) publishMetrics() {
	families, err := mp.gatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	payload := MetricPayload{
		Timestamp: time.Now().Unix(),
		Metrics:   flattenMetrics(families, "dcf77_"),
	}
	if len(payload.Metrics) == 0 {
		return
	}
	mp.publishJSON(mp.config.TopicPrefix+"/metrics", payload, false)
}

// flattenMetrics turns metric families with the given prefix into name[_label_value...] keys
func flattenMetrics(families []*dto.MetricFamily, prefix string) map[string]float64 {
	out := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			key := name
			for _, label := range m.GetLabel() {
				key += "_" + label.GetName() + "_" + label.GetValue()
			}
			out[key] = value
		}
	}
	return out
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// HandleEvent publishes completed frames and accepted times
func (mp *MQTTPublisher) HandleEvent(ev Event) {
	switch ev.Type {
	case EventFrame:
		mp.publishJSON(mp.config.TopicPrefix+"/frame", ev.Data, false)
	case EventAccept:
		mp.publishJSON(mp.config.TopicPrefix+"/time", ev.Data, mp.config.Retain)
	case EventState:
		mp.publishJSON(mp.config.TopicPrefix+"/state", ev.Data, mp.config.Retain)
	}
}

func (mp *MQTTPublisher) publishJSON(topic string, v interface{}, retain bool) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	if !mp.client.IsConnectionOpen() {
		return
	}
	token := mp.client.Publish(topic, mp.config.QoS, retain || mp.config.Retain, data)
	if !token.WaitTimeout(mqttPublishTimeout) {
		log.Printf("MQTT ERROR: Publish to topic %s timed out", topic)
		return
	}
	if token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp.client == nil {
		return
	}
	if mp.client.IsConnectionOpen() {
		mp.client.Publish(mp.config.TopicPrefix+"/online", mp.config.QoS, true, "false").WaitTimeout(mqttPublishTimeout)
	}
	// also ends a pending connect retry
	mp.client.Disconnect(250)
	log.Println("MQTT: Disconnected from broker")
}
