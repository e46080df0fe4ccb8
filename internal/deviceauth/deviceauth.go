// Package deviceauth implements the device authenticator:
// clientId parsing, registry resolution, validation-outcome
// classification, and the clone-detection decision table.
package deviceauth

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/hearthwire/sentryhub/internal/identity"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/registry"
)

// ClientClass is the role a connecting MQTT client identifies as, derived
// purely from the clientId string.
type ClientClass string

// Client classes.
const (
	ClassDevice          ClientClass = "device"
	ClassController      ClientClass = "controller"
	ClassAdmin           ClientClass = "admin"
	ClassUnauthenticated ClientClass = "unauthenticated"
)

const (
	deviceClientIDPrefix = "IOT"
	serialTailLen        = 4
	macPrefixHexLen      = 6
	minDeviceClientIDLen = len(deviceClientIDPrefix) + serialTailLen + macPrefixHexLen

	adminClientIDPrefix  = "ADMIN_"
	controllerClientID   = "controller-cmd"
	nominalSerialPrefix  = "IOT-2025-"
)

// ClassifyClientID classifies a TLS-authenticated clientId by prefix:
// exactly "controller-cmd" is the command controller,
// "ADMIN_*" is an admin client, "IOT*" is a device, anything else is
// unauthenticated in terms of role (the library already required a
// trusted TLS cert to get this far).
func ClassifyClientID(clientID string) ClientClass {
	switch {
	case clientID == controllerClientID:
		return ClassController
	case strings.HasPrefix(clientID, adminClientIDPrefix):
		return ClassAdmin
	case strings.HasPrefix(clientID, deviceClientIDPrefix):
		return ClassDevice
	default:
		return ClassUnauthenticated
	}
}

// ErrClientIDTooShort is returned when a device-prefixed clientId is
// shorter than the fixed-offset scheme requires.
var ErrClientIDTooShort = errors.New("deviceauth: clientId too short for device scheme")

// ErrNotADevice is returned by ParseDeviceClientID/Resolve when the
// clientId does not carry the device prefix.
var ErrNotADevice = errors.New("deviceauth: clientId is not a device id")

// ParseDeviceClientID splits a device clientId into its fixed-offset
// parts: serialTail is the last 4 digits of the serial, macPrefix is the
// first 6 hex characters of the MAC. Any trailing characters are an
// allowed auxiliary-session suffix and are ignored.
func ParseDeviceClientID(clientID string) (serialTail, macPrefix string, err error) {
	if !strings.HasPrefix(clientID, deviceClientIDPrefix) {
		return "", "", ErrNotADevice
	}
	if len(clientID) < minDeviceClientIDLen {
		return "", "", ErrClientIDTooShort
	}
	rest := clientID[len(deviceClientIDPrefix):]
	serialTail = rest[:serialTailLen]
	macPrefix = rest[serialTailLen : serialTailLen+macPrefixHexLen]
	return serialTail, macPrefix, nil
}

// NominalSerial reconstructs the serial the authenticator can derive from
// a clientId alone: "IOT-2025-<last4>". The MAC is only partially encoded
// in the clientId and must be confirmed from the device's subsequent
// registration payload.
func NominalSerial(serialTail string) string {
	return nominalSerialPrefix + serialTail
}

// SerialTail returns the last 4 characters of a full serial string, used
// to cross-check a topic's embedded serial against a clientId. Returns
// the whole string if it is shorter than 4 characters.
func SerialTail(serial string) string {
	if len(serial) <= serialTailLen {
		return serial
	}
	return serial[len(serial)-serialTailLen:]
}

// Authenticator resolves device identities from clientIds against the
// registry and applies the clone-detection policy.
type Authenticator struct {
	store *registry.Store
}

// New creates an Authenticator bound to store.
func New(store *registry.Store) *Authenticator {
	return &Authenticator{store: store}
}

// Resolve parses a device clientId and looks up the corresponding
// registry row, returning the validation outcome: VALID, PENDING,
// BLOCKED, INVALID_STATUS or NOT_FOUND.
func (a *Authenticator) Resolve(ctx context.Context, clientID string) (model.Device, model.ValidationOutcome, error) {
	serialTail, _, err := ParseDeviceClientID(clientID)
	if err != nil {
		return model.Device{}, "", err
	}
	serialHash := identity.Hash(NominalSerial(serialTail))

	d, err := a.store.FindBySerialHash(ctx, serialHash)
	if err == sql.ErrNoRows {
		return model.Device{}, model.ValidationNotFound, nil
	}
	if err != nil {
		return model.Device{}, "", err
	}

	switch d.Status {
	case model.StatusApproved:
		return d, model.ValidationValid, nil
	case model.StatusPending:
		return d, model.ValidationPending, nil
	case model.StatusBlocked:
		return d, model.ValidationBlocked, nil
	default:
		return d, model.ValidationInvalidStatus, nil
	}
}

// CloneDecision is the outcome of applying the duplicate-connection
// policy table to an incoming CONNECT for a device that
// already has an active session.
type CloneDecision struct {
	AlertType       model.AlertType
	Action          model.CloneAction
	AcceptNew       bool
	CloseExisting   bool
	BlockDevice     bool
}

// DecideClone implements the duplicate-connection decision table:
//
//	same peer address            -> reconnection: close existing, accept new
//	different peer, critical     -> reject new, keep existing
//	different peer, non-critical -> close existing, block device, reject new
func DecideClone(critical, samePeerAddress bool) CloneDecision {
	if samePeerAddress {
		return CloneDecision{
			AlertType:     model.AlertDeviceReconnection,
			Action:        model.CloneActionReconnect,
			AcceptNew:     true,
			CloseExisting: true,
		}
	}
	if critical {
		return CloneDecision{
			AlertType: model.AlertCriticalDeviceCloneAttempt,
			Action:    model.CloneActionCriticalRejected,
			AcceptNew: false,
		}
	}
	return CloneDecision{
		AlertType:     model.AlertDeviceCloneDetected,
		Action:        model.CloneActionBlockedBoth,
		AcceptNew:     false,
		CloseExisting: true,
		BlockDevice:   true,
	}
}
