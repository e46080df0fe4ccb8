// Command simdevice simulates one IoT unit against a running hub: it
// connects over TLS, registers, sends periodic health reports and
// telemetry, exercising internal/devicesdk end to end.
package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hearthwire/sentryhub/core/logger"
	"github.com/hearthwire/sentryhub/internal/devicesdk"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/tlsconfig"
)

func main() {
	logger.InitLogger(logrus.InfoLevel)

	brokerURL := envOr("SIMDEVICE_BROKER_URL", "tls://localhost:8884")
	serial := envOr("SIMDEVICE_SERIAL", "IOT-2025-0001")
	mac := envOr("SIMDEVICE_MAC", "AA:BB:CC:DD:EE:FF")
	controllerID := envOr("SIMDEVICE_CONTROLLER_ID", "controller-01")

	paths := tlsconfig.Paths{
		KeyStoreFile:           os.Getenv("SIMDEVICE_KEY_STORE_FILE"),
		KeyStorePasswordFile:   os.Getenv("SIMDEVICE_KEY_STORE_PASSWORD_FILE"),
		TrustStoreFile:         os.Getenv("SIMDEVICE_TRUST_STORE_FILE"),
		TrustStorePasswordFile: os.Getenv("SIMDEVICE_TRUST_STORE_PASSWORD_FILE"),
	}
	tlsCfg, err := tlsconfig.Build(paths)
	if err != nil {
		logger.Default().WithError(err).Fatal("simdevice: failed to build TLS config")
	}

	client := devicesdk.New(devicesdk.Config{
		BrokerURL:    brokerURL,
		ControllerID: controllerID,
		Serial:       serial,
		MAC:          mac,
		DeviceType:   model.DeviceTypeTempSensor,
		TLSConfig:    tlsCfg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Start(ctx); err != nil {
		logger.Default().WithError(err).Fatal("simdevice: failed to connect")
	}

	telemetryTicker := time.NewTicker(15 * time.Second)
	defer telemetryTicker.Stop()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-signalCh:
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			client.Close(shutdownCtx)
			shutdownCancel()
			return
		case <-telemetryTicker.C:
			reading := 18 + rand.Float64()*8
			if err := client.PublishTelemetry(ctx, "temperature", reading); err != nil {
				logger.Default().WithError(err).Warn("simdevice: telemetry publish failed")
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
