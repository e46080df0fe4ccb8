// Package devicesdk is the device-side half of the protocol: what a
// simulated IoT unit does to connect, register, send periodic health
// reports and publish telemetry. It uses the autopaho/paho connection
// manager, adapted here for mutual TLS and this module's topic grammar.
package devicesdk

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/goccy/go-json"

	"github.com/hearthwire/sentryhub/internal/model"
)

// sensorTypes publish telemetry at QoS 0; everything else (actuators)
// publishes at QoS 1.
var sensorTypes = map[model.DeviceType]bool{
	model.DeviceTypeTempSensor:   true,
	model.DeviceTypeEnergySensor: true,
}

// Config describes one simulated device's identity and connection
// material.
type Config struct {
	BrokerURL       string
	ControllerID    string
	Serial          string
	MAC             string
	DeviceType      model.DeviceType
	FirmwareVersion string
	HardwareVersion string

	TLSConfig *tls.Config

	HealthInterval time.Duration
}

// Client is one connected simulated device.
type Client struct {
	cfg Config
	cm  *autopaho.ConnectionManager

	healthStop chan struct{}
	healthDone chan struct{}
	mu         sync.Mutex
}

// New creates a Client. Call Start to connect.
func New(cfg Config) *Client {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 60 * time.Second
	}
	return &Client{cfg: cfg}
}

func (c *Client) baseTopic() string {
	return "home/" + c.cfg.ControllerID + "/devices/" + c.cfg.Serial
}

// Start opens the TLS MQTT connection, arms the last-will message,
// registers and begins the periodic health loop. It blocks until the
// initial connection succeeds or ctx expires.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("devicesdk: invalid broker URL: %w", err)
	}

	willPayload, _ := json.Marshal(map[string]string{
		"serial": c.cfg.Serial,
		"reason": "connection_lost",
	})

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		TlsCfg:     c.cfg.TLSConfig,
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.onConnect(cm)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID(),
		},
	}
	pahoCfg.WillMessage = &paho.WillMessage{
		Topic:   c.baseTopic() + "/offline",
		Payload: willPayload,
		QoS:     1,
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("devicesdk: connect: %w", err)
	}
	c.cm = cm

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return cm.AwaitConnection(connectCtx)
}

// clientID builds the fixed-offset device clientId the broker parses
//: "IOT" + last 4 digits of serial + first 6 hex chars
// of the MAC, MAC separators stripped.
func (c *Client) clientID() string {
	tail := c.cfg.Serial
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	hexMAC := stripMACSeparators(c.cfg.MAC)
	macPrefix := hexMAC
	if len(macPrefix) > 6 {
		macPrefix = macPrefix[:6]
	}
	return "IOT" + tail + macPrefix
}

func stripMACSeparators(mac string) string {
	out := make([]byte, 0, len(mac))
	for i := 0; i < len(mac); i++ {
		if mac[i] != ':' && mac[i] != '-' {
			out = append(out, mac[i])
		}
	}
	return string(out)
}

func (c *Client) onConnect(cm *autopaho.ConnectionManager) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg, _ := json.Marshal(map[string]interface{}{
		"serial":           c.cfg.Serial,
		"mac":              c.cfg.MAC,
		"device_type":      c.cfg.DeviceType,
		"firmware_version": c.cfg.FirmwareVersion,
		"hardware_version": c.cfg.HardwareVersion,
	})
	cm.Publish(ctx, &paho.Publish{
		Topic:   c.baseTopic() + "/register",
		Payload: reg,
		QoS:     1,
	})

	c.mu.Lock()
	if c.healthStop == nil {
		c.healthStop = make(chan struct{})
		c.healthDone = make(chan struct{})
		go c.healthLoop(c.healthStop, c.healthDone)
	}
	c.mu.Unlock()
}

func (c *Client) healthLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	c.publishHealth()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.publishHealth()
		}
	}
}

func (c *Client) publishHealth() {
	if c.cm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]interface{}{
		"serial":    c.cfg.Serial,
		"mac":       c.cfg.MAC,
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05"),
	})
	c.cm.Publish(ctx, &paho.Publish{
		Topic:   c.baseTopic() + "/health",
		Payload: body,
		QoS:     1,
	})
}

// PublishTelemetry sends a telemetry reading. QoS is 0 for sensors, 1
// for actuators.
func (c *Client) PublishTelemetry(ctx context.Context, measurement string, value float64) error {
	if c.cm == nil {
		return fmt.Errorf("devicesdk: not connected")
	}
	qos := byte(1)
	if sensorTypes[c.cfg.DeviceType] {
		qos = 0
	}
	body, err := json.Marshal(map[string]interface{}{
		"timestamp":   time.Now().UTC().Format("2006-01-02T15:04:05"),
		"measurement": measurement,
		"value":       value,
	})
	if err != nil {
		return err
	}
	_, err = c.cm.Publish(ctx, &paho.Publish{
		Topic:   c.baseTopic() + "/telemetry",
		Payload: body,
		QoS:     qos,
	})
	return err
}

// Close releases the health timer and disconnects cleanly.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	stop := c.healthStop
	done := c.healthDone
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	if c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(ctx)
}
