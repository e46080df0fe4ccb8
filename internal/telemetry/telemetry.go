// Package telemetry implements the telemetry ingest pipeline: topic
// parsing, payload validation, device resolution and durable insert.
// Parsing is best-effort, a payload that fails to decode as recognized
// JSON is still stored raw.
package telemetry

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/hearthwire/sentryhub/core/logger"
	"github.com/hearthwire/sentryhub/internal/identity"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/registry"
)

// isoLocalLayout is the non-zoned timestamp format health/telemetry
// payloads may use, e.g. "2025-01-01T00:00:00".
const isoLocalLayout = "2006-01-02T15:04:05"

// Ingestor resolves devices and writes telemetry rows.
type Ingestor struct {
	store           *registry.Store
	maxPayloadBytes int
}

// New creates an Ingestor. maxPayloadBytes defaults to 512 KB when zero.
func New(store *registry.Store, maxPayloadBytes int) *Ingestor {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 512 * 1024
	}
	return &Ingestor{store: store, maxPayloadBytes: maxPayloadBytes}
}

type parsedPayload struct {
	Timestamp   *string  `json:"timestamp"`
	Measurement *string  `json:"measurement"`
	Value       *float64 `json:"value"`
}

// Ingest handles one telemetry publish. It never returns an error for
// input that is merely malformed or for an unknown device; those cases
// are dropped with a warning log. It returns an error only for a
// registry failure.
func (ing *Ingestor) Ingest(ctx context.Context, topic string, payload []byte) error {
	if len(payload) > ing.maxPayloadBytes {
		logger.Default().Warnf("telemetry: dropping payload on %s, %d bytes exceeds limit %d", topic, len(payload), ing.maxPayloadBytes)
		return nil
	}
	if !utf8.Valid(payload) {
		logger.Default().Warnf("telemetry: dropping non-utf8 payload on %s", topic)
		return nil
	}

	deviceID, ok := parseTelemetryTopic(topic)
	if !ok {
		logger.Default().Warnf("telemetry: topic %s does not match the telemetry grammar, dropping", topic)
		return nil
	}

	device, err := ing.store.FindBySerialHash(ctx, identity.Hash(deviceID))
	if err == sql.ErrNoRows {
		logger.Default().Warnf("telemetry: unknown device %s on %s, dropping", deviceID, topic)
		return nil
	}
	if err != nil {
		return err
	}

	rec := model.Telemetry{
		DeviceID:   device.ID,
		ReceivedAt: time.Now().UTC(),
		Topic:      topic,
		PayloadRaw: payload,
	}

	var parsed parsedPayload
	if err := json.Unmarshal(payload, &parsed); err == nil {
		rec.Measurement = parsed.Measurement
		rec.MetricValue = parsed.Value
		if parsed.Timestamp != nil {
			if ts, ok := parseTelemetryTimestamp(*parsed.Timestamp); ok {
				rec.Timestamp = &ts
			}
		}
	}

	return ing.store.InsertTelemetry(ctx, rec)
}

// parseTelemetryTopic extracts the device identifier from
// "home/<any>/devices/<deviceId>/telemetry". The controllerId segment is
// accepted as any value.
func parseTelemetryTopic(topic string) (deviceID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return "", false
	}
	if parts[0] != "home" || parts[2] != "devices" || parts[4] != "telemetry" {
		return "", false
	}
	if parts[3] == "" {
		return "", false
	}
	return parts[3], true
}

// parseTelemetryTimestamp accepts either an RFC 3339 timestamp with zone
// or an unzoned ISO local datetime.
func parseTelemetryTimestamp(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(isoLocalLayout, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
