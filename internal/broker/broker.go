// Package broker owns the process-wide MQTT broker instance: a gmqtt
// server bound to a TLS-only listener, guarded by a double-checked
// lock so Start is idempotent, plus a cert-rotation service that
// restarts the broker when its credential files change or a jittered
// timer elapses.
package broker

import (
	"context"
	"crypto/tls"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"

	"github.com/hearthwire/sentryhub/core/logger"
	"github.com/hearthwire/sentryhub/internal/interceptor"
	"github.com/hearthwire/sentryhub/internal/tlsconfig"
)

// RotationConfig tunes the cert-rotation service.
type RotationConfig struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	PollPeriod  time.Duration
}

// Broker is the single MQTT broker instance for the process.
type Broker struct {
	addr  string
	paths tlsconfig.Paths
	ic    *interceptor.Interceptor
	rot   RotationConfig

	mu      sync.Mutex
	running bool
	server  gmqtt.Server
	ln      net.Listener

	rotStop chan struct{}
	rotDone chan struct{}
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// New creates a Broker. It does not start listening until Start is called.
func New(addr string, paths tlsconfig.Paths, ic *interceptor.Interceptor, rot RotationConfig) *Broker {
	return &Broker{
		addr:  addr,
		paths: paths,
		ic:    ic,
		rot:   rot,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start is idempotent: a second call while the broker is already
// running is a no-op.
func (b *Broker) Start() error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.startLocked(); err != nil {
		return err
	}

	b.mu.Lock()
	b.rotStop = make(chan struct{})
	b.rotDone = make(chan struct{})
	b.mu.Unlock()
	go b.rotationLoop(b.rotStop, b.rotDone)

	return nil
}

func (b *Broker) startLocked() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	tlsCfg, err := tlsconfig.Build(b.paths)
	if err != nil {
		return err
	}
	ln, err := tls.Listen("tcp", b.addr, tlsCfg)
	if err != nil {
		return err
	}

	server := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(b.ic),
	)
	server.Run()

	b.ln = ln
	b.server = server
	b.running = true
	logger.Default().Infof("broker: listening on %s (TLS, client cert required)", b.addr)
	return nil
}

// Stop is symmetric with Start: a second call while already stopped is
// a no-op.
func (b *Broker) Stop() {
	b.mu.Lock()
	rotStop := b.rotStop
	rotDone := b.rotDone
	b.rotStop = nil
	b.rotDone = nil
	b.mu.Unlock()
	if rotStop != nil {
		close(rotStop)
		<-rotDone
	}
	b.stopLocked()
}

func (b *Broker) stopLocked() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.server.Stop(context.Background())
	b.running = false
	logger.Default().Info("broker: stopped")
}

// restart stops and starts the broker again, re-reading TLS material
// from disk.
func (b *Broker) restart() error {
	b.stopLocked()
	return b.startLocked()
}

func (b *Broker) rotationLoop(stop chan struct{}, done chan struct{}) {
	defer close(done)

	lastMtimes, err := tlsconfig.Mtimes(b.paths)
	if err != nil {
		logger.Default().WithError(err).Warn("broker: failed to record initial cert mtimes")
	}

	pollPeriod := b.rot.PollPeriod
	if pollPeriod <= 0 {
		pollPeriod = 5 * time.Minute
	}
	pollTicker := time.NewTicker(pollPeriod)
	defer pollTicker.Stop()

	rotationTimer := time.NewTimer(b.nextRotationDelay())
	defer rotationTimer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-rotationTimer.C:
			logger.Default().Info("broker: scheduled cert rotation tick, restarting")
			if err := b.restart(); err != nil {
				logger.Default().WithError(err).Error("broker: restart on scheduled rotation failed")
			}
			delay := b.nextRotationDelay()
			logger.Default().Infof("broker: next rotation tick in %.1f hours", delay.Hours())
			rotationTimer.Reset(delay)
		case <-pollTicker.C:
			mtimes, err := tlsconfig.Mtimes(b.paths)
			if err != nil {
				logger.Default().WithError(err).Warn("broker: cert mtime poll failed")
				continue
			}
			if mtimesChanged(lastMtimes, mtimes) {
				logger.Default().Info("broker: detected cert file change, restarting")
				if err := b.restart(); err != nil {
					logger.Default().WithError(err).Error("broker: restart on cert change failed")
				}
			}
			lastMtimes = mtimes
		}
	}
}

func mtimesChanged(a, b []int64) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

// nextRotationDelay draws uniformly from [MinInterval, MaxInterval)
// using an absolute-value modulo of a random 64-bit integer. Equal
// bounds produce zero jitter.
func (b *Broker) nextRotationDelay() time.Duration {
	min := b.rot.MinInterval
	max := b.rot.MaxInterval
	if max <= min {
		return min
	}
	span := int64(max - min)

	b.rngMu.Lock()
	n := b.rng.Int63()
	b.rngMu.Unlock()

	if n == math.MinInt64 {
		n = 0
	} else if n < 0 {
		n = -n
	}
	return min + time.Duration(n%span)
}
