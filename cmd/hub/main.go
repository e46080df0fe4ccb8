// Command hub runs the broker-side security core: it loads
// configuration from the environment, opens the registry's Postgres
// connection, wires the device authenticator, topic authorizator,
// message interceptor and health monitor together, and runs the TLS
// MQTT broker with its cert-rotation service until signaled to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hearthwire/sentryhub/core/csql"
	"github.com/hearthwire/sentryhub/core/logger"
	"github.com/hearthwire/sentryhub/internal/adminapi"
	"github.com/hearthwire/sentryhub/internal/broker"
	"github.com/hearthwire/sentryhub/internal/config"
	"github.com/hearthwire/sentryhub/internal/deviceauth"
	"github.com/hearthwire/sentryhub/internal/healthmonitor"
	"github.com/hearthwire/sentryhub/internal/interceptor"
	"github.com/hearthwire/sentryhub/internal/pairing"
	"github.com/hearthwire/sentryhub/internal/registry"
	"github.com/hearthwire/sentryhub/internal/telemetry"
	"github.com/hearthwire/sentryhub/internal/tlsconfig"
	"github.com/hearthwire/sentryhub/internal/topicacl"
)

func main() {
	logger.InitLogger(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Fatal("hub: failed to load configuration")
	}

	db := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, cfg.PostgresSchema)
	defer db.Close()

	store := registry.NewStore(db)
	auth := deviceauth.New(store)
	acl := topicacl.New(store, cfg.ControllerID)
	ingest := telemetry.New(store, cfg.MaxTelemetryPayloadBytes)
	ic := interceptor.New(store, auth, acl, ingest, cfg.ControllerID, cfg.WorkerPoolSize, cfg.HealthTimeDriftThreshold)
	defer ic.Close()

	paths := tlsconfig.Paths{
		KeyStoreFile:           cfg.KeyStoreFile,
		KeyStorePasswordFile:   cfg.KeyStorePasswordFile,
		TrustStoreFile:         cfg.TrustStoreFile,
		TrustStorePasswordFile: cfg.TrustStorePasswordFile,
	}
	b := broker.New(
		net.JoinHostPort("", fmt.Sprintf("%d", cfg.TLSPort)),
		paths,
		ic,
		broker.RotationConfig{
			MinInterval: cfg.CertRotationMinInterval,
			MaxInterval: cfg.CertRotationMaxInterval,
			PollPeriod:  cfg.CertFileWatchPoll,
		},
	)
	if err := b.Start(); err != nil {
		logger.Default().WithError(err).Fatal("hub: failed to start broker")
	}

	monitor := healthmonitor.New(store, cfg.HealthCheckPeriod, cfg.OfflineThreshold)
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	go monitor.Start(monitorCtx)

	admin := adminapi.New(store, cfg.AdminListenAddr)
	go func() {
		if err := admin.Run(); err != nil {
			logger.Default().WithError(err).Warn("hub: admin API stopped")
		}
	}()

	// Pairing codes are handed to an external pairing surface; the core
	// only owns the transient store and keeps it from growing unbounded.
	pairs := pairing.New(pairing.DefaultTTL)
	purgeDone := make(chan struct{})
	purgeStop := make(chan struct{})
	go func() {
		defer close(purgeDone)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-purgeStop:
				return
			case <-ticker.C:
				pairs.Purge()
			}
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh

	logger.Default().Info("hub: shutting down")
	close(purgeStop)
	<-purgeDone
	cancelMonitor()
	monitor.Stop()
	admin.Shutdown(context.Background())
	b.Stop()
}
