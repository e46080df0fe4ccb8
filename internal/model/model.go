// Package model holds the tagged-variant types shared across the
// registry, authenticator, authorizator and interceptor: device type,
// device status, validation outcome and clone-detection action. Strings
// are kept only at the persistence and wire boundary; everywhere else
// these are distinct Go types so a typo can't silently compile.
package model

import "time"

// DeviceType is the recognized class of physical unit.
type DeviceType string

// Recognized device types.
const (
	DeviceTypeTempSensor   DeviceType = "TEMP_SENSOR"
	DeviceTypeSmartPlug    DeviceType = "SMART_PLUG"
	DeviceTypeEnergySensor DeviceType = "ENERGY_SENSOR"
	DeviceTypeSmartSwitch  DeviceType = "SMART_SWITCH"
)

// Valid reports whether t is one of the recognized device types.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypeTempSensor, DeviceTypeSmartPlug, DeviceTypeEnergySensor, DeviceTypeSmartSwitch:
		return true
	}
	return false
}

// DeviceStatus is a node in the device status FSM.
type DeviceStatus string

// Device statuses.
const (
	StatusPending  DeviceStatus = "PENDING"
	StatusApproved DeviceStatus = "APPROVED"
	StatusRejected DeviceStatus = "REJECTED"
	StatusBlocked  DeviceStatus = "BLOCKED"
)

// CanTransitionTo reports whether moving from s to next is one of the
// FSM edges. automatic means a system-driven transition rather than an
// admin action — clone detection blocks on criticality, not on the
// device's current status, so it can fire from PENDING or APPROVED alike.
func (s DeviceStatus) CanTransitionTo(next DeviceStatus, automatic bool) bool {
	if automatic {
		return next == StatusBlocked && (s == StatusPending || s == StatusApproved)
	}
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusRejected
	case StatusApproved:
		return next == StatusRejected || next == StatusBlocked
	case StatusBlocked:
		return next == StatusApproved
	}
	return false
}

// ValidationOutcome is the classification the device authenticator
// produces for a resolved device identity.
type ValidationOutcome string

// Validation outcomes.
const (
	ValidationValid         ValidationOutcome = "VALID"
	ValidationPending       ValidationOutcome = "PENDING"
	ValidationBlocked       ValidationOutcome = "BLOCKED"
	ValidationInvalidStatus ValidationOutcome = "INVALID_STATUS"
	ValidationNotFound      ValidationOutcome = "NOT_FOUND"
)

// CloneAction is the action taken by the clone-detection policy.
type CloneAction string

// Clone actions.
const (
	CloneActionReconnect        CloneAction = "RECONNECTED_SAME_PEER"
	CloneActionCriticalRejected CloneAction = "CRITICAL_CLONE_REJECTED"
	CloneActionBlockedBoth      CloneAction = "BLOCKED_DEVICE_DISCONNECTED_BOTH"
)

// AlertType is a stable tag naming a security-relevant event. Kept as a
// string at the persistence boundary (security_alerts.alert_type)
// but typed everywhere alerts are produced, so every emitter names a
// type from this closed set.
type AlertType string

// All alert types used by the core.
const (
	AlertDeviceReconnection         AlertType = "DEVICE_RECONNECTION"
	AlertCriticalDeviceCloneAttempt AlertType = "CRITICAL_DEVICE_CLONE_ATTEMPT"
	AlertDeviceCloneDetected        AlertType = "DEVICE_CLONE_DETECTED"
	AlertDeviceApproved             AlertType = "DEVICE_APPROVED"
	AlertDeviceRejected             AlertType = "DEVICE_REJECTED"
	AlertDeviceUnblocked            AlertType = "DEVICE_UNBLOCKED"
	AlertDeviceMarkedCritical       AlertType = "DEVICE_MARKED_CRITICAL"
	AlertDeviceRegistration         AlertType = "DEVICE_REGISTRATION"
	AlertRegistrationError          AlertType = "REGISTRATION_ERROR"
	AlertHealthCheckError           AlertType = "HEALTH_CHECK_ERROR"
	AlertInvalidMACFormat           AlertType = "INVALID_MAC_FORMAT"
	AlertDeviceNotFound             AlertType = "DEVICE_NOT_FOUND"
	AlertMACMismatch                AlertType = "MAC_MISMATCH"
	AlertTimeDrift                  AlertType = "TIME_DRIFT"
	AlertInvalidTimestamp           AlertType = "INVALID_TIMESTAMP"
	AlertHealthCheckRejectedBlocked AlertType = "HEALTH_CHECK_REJECTED_BLOCKED"
	AlertHealthCheckRejectedNoConn  AlertType = "HEALTH_CHECK_REJECTED_NO_CONNECTION"
	AlertConnectionError            AlertType = "CONNECTION_ERROR"
	AlertDeviceOffline              AlertType = "DEVICE_OFFLINE"
	AlertUnauthorizedTopicAccess    AlertType = "UNAUTHORIZED_TOPIC_ACCESS"
	AlertWildcardSubscribeDenied    AlertType = "WILDCARD_SUBSCRIBE_DENIED"
	AlertSerialClientIDMismatch     AlertType = "SERIAL_CLIENT_ID_MISMATCH"
	AlertClientIDTooShort           AlertType = "CLIENT_ID_TOO_SHORT"
)

// Device is one physical unit in the registry.
type Device struct {
	ID              int64
	Type            DeviceType
	SerialHash      string
	MACHash         string
	CompositeHash   string
	Status          DeviceStatus
	Critical        bool
	RegisteredAt    time.Time
	ApprovedAt      *time.Time
	ApprovedBy      *string
	LastHealthCheck *time.Time
	FirmwareVersion *string
	HardwareVersion *string
}

// Connection is a single live MQTT session.
type Connection struct {
	ID             int64
	DeviceID       int64
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	PeerAddress    string
	ClientInfo     string
}

// Active reports whether the connection is still open.
func (c Connection) Active() bool { return c.DisconnectedAt == nil }

// Alert is an append-only security event.
type Alert struct {
	ID               int64
	Type             AlertType
	DeviceSerialHash string
	Details          map[string]interface{}
	CreatedAt        time.Time
}

// Telemetry is one immutable telemetry record.
type Telemetry struct {
	ID          int64
	DeviceID    int64
	ReceivedAt  time.Time
	Topic       string
	Timestamp   *time.Time
	Measurement *string
	MetricValue *float64
	PayloadRaw  []byte
}

// ClientBinding maps an external client UUID to a certificate
// fingerprint and role. Persistence target only.
type ClientBinding struct {
	ID          int64
	UUID        string
	Fingerprint string
	Role        string
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// AuditLogEntry is an append-only admin record.
type AuditLogEntry struct {
	ID        int64
	EventType string
	Subject   string
	Details   map[string]interface{}
	CreatedAt time.Time
}
