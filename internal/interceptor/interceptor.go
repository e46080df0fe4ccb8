// Package interceptor wires the registry, device authenticator and
// topic authorizator into the broker's event hooks: connect,
// disconnect, subscribe and message-arrived. It implements the gmqtt
// plugin interface the same way the original broker plugin did, but the
// three recognizers on message-arrived (register/health/telemetry) run
// on a bounded worker pool so that persistence latency does not stall the
// broker's IO goroutine while the pool's queue has room; when the queue
// is full, the job runs inline on the calling goroutine.
package interceptor

import (
	"context"
	"database/sql"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"

	"github.com/hearthwire/sentryhub/core/logger"
	"github.com/hearthwire/sentryhub/internal/deviceauth"
	"github.com/hearthwire/sentryhub/internal/identity"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/registry"
	"github.com/hearthwire/sentryhub/internal/telemetry"
	"github.com/hearthwire/sentryhub/internal/topicacl"
)

// defaultWorkers is the default worker pool size.
const defaultWorkers = 10

// defaultTimeDriftThreshold is the health-check clock skew allowance
// used when the caller doesn't configure one.
const defaultTimeDriftThreshold = 5 * time.Minute

// isoLocalLayout is the non-zoned timestamp format /health payloads
// use, e.g. "2025-01-01T00:00:00".
const isoLocalLayout = "2006-01-02T15:04:05"

// Interceptor implements gmqtt's plugin interface, dispatching connect,
// disconnect and publish events to the registry.
type Interceptor struct {
	store  *registry.Store
	auth   *deviceauth.Authenticator
	acl    *topicacl.Authorizator
	ingest *telemetry.Ingestor

	controllerID       string
	timeDriftThreshold time.Duration

	jobs chan func()
	wg   sync.WaitGroup

	connsMu sync.RWMutex
	conns   map[net.Conn]activeConn
}

type activeConn struct {
	deviceID     int64
	connectionID int64
	peerAddress  string
}

// New creates an Interceptor with the default worker count when
// workers <= 0 and the default time-drift allowance when
// timeDriftThreshold <= 0.
func New(store *registry.Store, auth *deviceauth.Authenticator, acl *topicacl.Authorizator, ingest *telemetry.Ingestor, controllerID string, workers int, timeDriftThreshold time.Duration) *Interceptor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if timeDriftThreshold <= 0 {
		timeDriftThreshold = defaultTimeDriftThreshold
	}
	ic := &Interceptor{
		store:              store,
		auth:               auth,
		acl:                acl,
		ingest:             ingest,
		controllerID:       controllerID,
		timeDriftThreshold: timeDriftThreshold,
		jobs:               make(chan func(), 256),
		conns:              make(map[net.Conn]activeConn),
	}
	for i := 0; i < workers; i++ {
		ic.wg.Add(1)
		go ic.work()
	}
	return ic
}

// Close stops accepting new jobs and waits for in-flight ones to drain.
func (ic *Interceptor) Close() {
	close(ic.jobs)
	ic.wg.Wait()
}

func (ic *Interceptor) work() {
	defer ic.wg.Done()
	for job := range ic.jobs {
		runWithPanicEnvelope(job)
	}
}

func runWithPanicEnvelope(job func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Default().Errorf("interceptor: recovered from panic in worker job: %v", r)
		}
	}()
	job()
}

func (ic *Interceptor) dispatch(job func()) {
	select {
	case ic.jobs <- job:
	default:
		logger.Default().Warn("interceptor: worker pool saturated, running job inline")
		runWithPanicEnvelope(job)
	}
}

// Load implements gmqtt.Plugin.
func (ic *Interceptor) Load(service gmqtt.Server) error {
	logger.Default().Info("interceptor: loaded")
	return nil
}

// Unload implements gmqtt.Plugin.
func (ic *Interceptor) Unload() error {
	ic.Close()
	return nil
}

// Name implements gmqtt.Plugin.
func (ic *Interceptor) Name() string { return "sentryhub interceptor" }

// HookWrapper implements gmqtt.Plugin.
func (ic *Interceptor) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    ic.onConnectWrapper,
		OnClosedWrapper:     ic.onClosedWrapper,
		OnSubscribeWrapper:  ic.onSubscribeWrapper,
		OnMsgArrivedWrapper: ic.onMsgArrivedWrapper,
	}
}

// onConnectWrapper runs device identity resolution and clone detection
// on every new MQTT connection.
func (ic *Interceptor) onConnectWrapper(next gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) uint8 {
		clientID := client.OptionsReader().ClientID()
		class := deviceauth.ClassifyClientID(clientID)
		if class != deviceauth.ClassDevice {
			return next(ctx, client)
		}

		device, outcome, err := ic.auth.Resolve(ctx, clientID)
		if err != nil {
			logger.Default().WithError(err).Error("interceptor: resolve failed on connect")
			ic.storeAlert(ctx, model.AlertConnectionError, "", map[string]interface{}{"client_id": clientID, "error": err.Error()})
			return packets.CodeServerUnavailable
		}

		switch outcome {
		case model.ValidationNotFound:
			// device is expected to register shortly; no connection row
			// yet, the registration handler creates the device.
			logger.Default().Infof("interceptor: connect from unregistered device %s, awaiting registration", clientID)
			return next(ctx, client)
		case model.ValidationBlocked:
			logger.Default().Warnf("interceptor: connect from blocked device %s allowed through, authorizator will deny all actions", clientID)
			return next(ctx, client)
		}

		peerAddress := client.Connection().RemoteAddr().String()
		existing, err := ic.store.FindActiveByDeviceID(ctx, device.ID)
		if err == nil {
			decision := deviceauth.DecideClone(device.Critical, existing.PeerAddress == peerAddress)
			ic.storeAlert(ctx, decision.AlertType, device.SerialHash, map[string]interface{}{
				"old_addr":            existing.PeerAddress,
				"new_addr":            peerAddress,
				"critical":            device.Critical,
				"action_taken":        decision.Action,
				"old_connection_time": existing.ConnectedAt,
			})
			if decision.CloseExisting {
				if err := ic.store.CloseConnection(ctx, existing.ID); err != nil {
					logger.Default().WithError(err).Warn("interceptor: failed to close existing connection")
				}
			}
			if decision.BlockDevice {
				if _, err := ic.store.UpdateStatus(ctx, device.ID, model.StatusBlocked, "", true); err != nil {
					logger.Default().WithError(err).Warn("interceptor: failed to auto-block device on clone detection")
				}
			}
			if !decision.AcceptNew {
				return packets.CodeNotAuthorized
			}
		} else if err != sql.ErrNoRows {
			logger.Default().WithError(err).Error("interceptor: active connection lookup failed")
			return packets.CodeServerUnavailable
		}

		conn, err := ic.store.CreateConnection(ctx, device.ID, peerAddress, clientID)
		if err != nil {
			logger.Default().WithError(err).Error("interceptor: failed to create connection row")
			ic.storeAlert(ctx, model.AlertConnectionError, device.SerialHash, map[string]interface{}{"device_id": device.ID, "error": err.Error()})
			return packets.CodeServerUnavailable
		}

		ic.connsMu.Lock()
		ic.conns[client.Connection()] = activeConn{deviceID: device.ID, connectionID: conn.ID, peerAddress: peerAddress}
		ic.connsMu.Unlock()

		return next(ctx, client)
	}
}

// onClosedWrapper closes the connection's registry row when the
// session ends.
func (ic *Interceptor) onClosedWrapper(next gmqtt.OnClosed) gmqtt.OnClosed {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		conn := client.Connection()
		ic.connsMu.Lock()
		ac, ok := ic.conns[conn]
		delete(ic.conns, conn)
		ic.connsMu.Unlock()

		if !ok {
			logger.Default().Info("interceptor: disconnect for a connection with no active row, ignoring")
			next(ctx, client, err)
			return
		}
		if closeErr := ic.store.CloseConnection(ctx, ac.connectionID); closeErr != nil {
			logger.Default().WithError(closeErr).Warn("interceptor: failed to close connection on disconnect")
		}
		next(ctx, client, err)
	}
}

// onSubscribeWrapper enforces topic authorization on every SUBSCRIBE.
func (ic *Interceptor) onSubscribeWrapper(next gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) uint8 {
		clientID := client.OptionsReader().ClientID()
		decision := ic.acl.Authorize(ctx, clientID, topic.Name, true)
		if !decision.Allow {
			if decision.AlertType != "" {
				ic.storeAlert(ctx, decision.AlertType, "", map[string]interface{}{"client_id": clientID, "topic": topic.Name})
			}
			return packets.SUBSCRIBE_FAILURE
		}
		return next(ctx, client, topic)
	}
}

// onMsgArrivedWrapper authorizes and dispatches every PUBLISH. The ACL
// decision runs inline since it gates delivery; the register/health/
// telemetry recognizers run on the worker pool.
func (ic *Interceptor) onMsgArrivedWrapper(next gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) bool {
		clientID := client.OptionsReader().ClientID()
		topic := msg.Topic()

		decision := ic.acl.Authorize(ctx, clientID, topic, false)
		if !decision.Allow {
			if decision.AlertType != "" {
				ic.storeAlert(context.Background(), decision.AlertType, "", map[string]interface{}{"client_id": clientID, "topic": topic})
			}
			return false
		}

		payload := append([]byte(nil), msg.Payload()...)
		ic.dispatch(func() {
			ic.handlePublished(context.Background(), clientID, topic, payload)
		})

		return next(ctx, client, msg)
	}
}

func (ic *Interceptor) handlePublished(ctx context.Context, clientID, topic string, payload []byte) {
	switch {
	case strings.HasSuffix(topic, "/register"):
		ic.handleRegister(ctx, payload)
	case strings.HasSuffix(topic, "/health"):
		ic.handleHealth(ctx, payload)
	case strings.HasSuffix(topic, "/telemetry"):
		if err := ic.ingest.Ingest(ctx, topic, payload); err != nil {
			logger.Default().WithError(err).Error("interceptor: telemetry ingest failed")
		}
	}
}

type registerPayload struct {
	Serial          string  `json:"serial"`
	MAC             string  `json:"mac"`
	DeviceType      string  `json:"device_type"`
	FirmwareVersion *string `json:"firmware_version"`
	HardwareVersion *string `json:"hardware_version"`
}

// handleRegister processes a device's registration payload.
func (ic *Interceptor) handleRegister(ctx context.Context, payload []byte) {
	var reg registerPayload
	if err := json.Unmarshal(payload, &reg); err != nil {
		ic.storeAlert(ctx, model.AlertRegistrationError, "", map[string]interface{}{"error": err.Error()})
		return
	}
	if !validMACFormat(reg.MAC) {
		ic.storeAlert(ctx, model.AlertInvalidMACFormat, identity.Hash(reg.Serial), map[string]interface{}{"mac": reg.MAC})
		return
	}
	deviceType := model.DeviceType(reg.DeviceType)
	if !deviceType.Valid() {
		ic.storeAlert(ctx, model.AlertRegistrationError, identity.Hash(reg.Serial), map[string]interface{}{"device_type": reg.DeviceType})
		return
	}

	compositeHash := identity.HashComposite(reg.Serial, reg.MAC)
	existing, err := ic.store.FindByCompositeHash(ctx, compositeHash)
	if err == nil {
		if updateErr := ic.store.UpdateDeviceMetadata(ctx, existing.ID, reg.FirmwareVersion, reg.HardwareVersion); updateErr != nil {
			logger.Default().WithError(updateErr).Warn("interceptor: failed to refresh device metadata on re-registration")
		}
		ic.storeAlert(ctx, model.AlertDeviceRegistration, existing.SerialHash, map[string]interface{}{"device_id": existing.ID, "reregistration": true})
		return
	}
	if err != sql.ErrNoRows {
		logger.Default().WithError(err).Error("interceptor: composite hash lookup failed during registration")
		return
	}

	status := model.StatusPending
	serialHash := identity.Hash(reg.Serial)
	if preSeeded, preErr := ic.store.FindBySerialHash(ctx, serialHash); preErr == nil && preSeeded.Status == model.StatusApproved {
		status = model.StatusApproved
	}

	d := model.Device{
		Type:            deviceType,
		SerialHash:      serialHash,
		MACHash:         identity.Hash(reg.MAC),
		CompositeHash:   compositeHash,
		Status:          status,
		FirmwareVersion: reg.FirmwareVersion,
		HardwareVersion: reg.HardwareVersion,
	}
	created, err := ic.store.UpsertDeviceIfAbsent(ctx, d)
	if err != nil {
		logger.Default().WithError(err).Error("interceptor: failed to insert device on registration")
		return
	}
	ic.storeAlert(ctx, model.AlertDeviceRegistration, created.SerialHash, map[string]interface{}{"device_id": created.ID, "status": created.Status})
}

type healthPayload struct {
	Serial       string `json:"serial"`
	MAC          string `json:"mac"`
	Timestamp    string `json:"timestamp"`
	BatteryLevel *int   `json:"battery_level"`
	Uptime       *int64 `json:"uptime"`
}

// handleHealth processes a device's periodic health-check payload.
func (ic *Interceptor) handleHealth(ctx context.Context, payload []byte) {
	var hp healthPayload
	if err := json.Unmarshal(payload, &hp); err != nil {
		ic.storeAlert(ctx, model.AlertHealthCheckError, "", map[string]interface{}{"error": err.Error()})
		return
	}
	if !validMACFormat(hp.MAC) {
		ic.storeAlert(ctx, model.AlertInvalidMACFormat, identity.Hash(hp.Serial), map[string]interface{}{"mac": hp.MAC})
		return
	}

	serialHash := identity.Hash(hp.Serial)
	device, err := ic.store.FindBySerialHash(ctx, serialHash)
	if err == sql.ErrNoRows {
		ic.storeAlert(ctx, model.AlertDeviceNotFound, serialHash, map[string]interface{}{"mac": hp.MAC})
		return
	}
	if err != nil {
		logger.Default().WithError(err).Error("interceptor: device lookup failed during health check")
		return
	}
	if device.MACHash != identity.Hash(hp.MAC) {
		ic.storeAlert(ctx, model.AlertMACMismatch, device.SerialHash, map[string]interface{}{"device_id": device.ID})
		return
	}

	ts, ok := parseLocalTimestamp(hp.Timestamp)
	if !ok {
		ic.storeAlert(ctx, model.AlertInvalidTimestamp, device.SerialHash, map[string]interface{}{"timestamp": hp.Timestamp})
		return
	}
	if skew := time.Since(ts); skew > ic.timeDriftThreshold || skew < -ic.timeDriftThreshold {
		ic.storeAlert(ctx, model.AlertTimeDrift, device.SerialHash, map[string]interface{}{"skew_seconds": skew.Seconds()})
	}

	if device.Status == model.StatusBlocked {
		ic.storeAlert(ctx, model.AlertHealthCheckRejectedBlocked, device.SerialHash, map[string]interface{}{"device_id": device.ID})
		return
	}
	if _, err := ic.store.FindActiveByDeviceID(ctx, device.ID); err == sql.ErrNoRows {
		ic.storeAlert(ctx, model.AlertHealthCheckRejectedNoConn, device.SerialHash, map[string]interface{}{"device_id": device.ID})
		return
	} else if err != nil {
		logger.Default().WithError(err).Error("interceptor: active connection lookup failed during health check")
		return
	}

	if device.Status == model.StatusApproved {
		if err := ic.store.UpdateLastHealthCheck(ctx, device.ID); err != nil {
			logger.Default().WithError(err).Warn("interceptor: failed to update last_health_check")
		}
	}
}

func (ic *Interceptor) storeAlert(ctx context.Context, alertType model.AlertType, serialHash string, details map[string]interface{}) {
	if err := ic.store.InsertAlert(ctx, alertType, serialHash, details); err != nil {
		logger.Default().WithError(err).Warnf("interceptor: failed to persist %s alert", alertType)
	}
}

// validMACFormat checks "XX:XX:XX:XX:XX:XX", case-insensitive, either
// ':' or '-' as separator.
func validMACFormat(mac string) bool {
	if len(mac) != 17 {
		return false
	}
	sep := mac[2]
	if sep != ':' && sep != '-' {
		return false
	}
	for i := 0; i < 6; i++ {
		start := i * 3
		if i < 5 && mac[start+2] != sep {
			return false
		}
		if !isHex(mac[start]) || !isHex(mac[start+1]) {
			return false
		}
	}
	return true
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// parseLocalTimestamp accepts the ISO-8601 local datetime format used
// by device health payloads.
func parseLocalTimestamp(s string) (time.Time, bool) {
	if t, err := time.Parse(isoLocalLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
