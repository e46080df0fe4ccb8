// Package topicacl implements the authorizator policy: a
// synchronous, per-subscribe/per-publish decision given a topic, the
// TLS-authenticated client identifier and the registry state of the
// device the topic names, if any.
package topicacl

import (
	"context"
	"database/sql"
	"strings"

	"github.com/hearthwire/sentryhub/core/logger"
	"github.com/hearthwire/sentryhub/internal/deviceauth"
	"github.com/hearthwire/sentryhub/internal/identity"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/registry"
)

const (
	topicActionRegister  = "register"
	topicActionHealth    = "health"
	topicActionTelemetry = "telemetry"
	topicActionCmd       = "cmd"
)

// Authorizator is the per-message ACL gate.
type Authorizator struct {
	store        *registry.Store
	controllerID string
}

// New creates an Authorizator for the given controllerId. No default is
// applied here; config.Load defaults the configured value to
// "controller-01".
func New(store *registry.Store, controllerID string) *Authorizator {
	return &Authorizator{store: store, controllerID: controllerID}
}

// Decision is the outcome of an authorization check: whether the
// operation is allowed, and, if denied for a reason worth recording, the
// alert type the caller should persist ("deny decisions that
// indicate attack surface ... SHOULD record a security alert").
type Decision struct {
	Allow     bool
	AlertType model.AlertType // empty when no alert is warranted
}

func deny(alertType model.AlertType) Decision { return Decision{Allow: false, AlertType: alertType} }

var allow = Decision{Allow: true}

// Authorize evaluates the authorization rules top-down, first match wins.
func (a *Authorizator) Authorize(ctx context.Context, clientID, topic string, subscribe bool) Decision {
	// rule 1: null client or null topic -> deny
	if clientID == "" || topic == "" {
		return deny("")
	}

	class := deviceauth.ClassifyClientID(clientID)

	// rule 2: controller-cmd or ADMIN_* may publish and subscribe anything
	if class == deviceauth.ClassController || class == deviceauth.ClassAdmin {
		return allow
	}

	// rule 3: wildcard subscribe is admin-only
	if strings.Contains(topic, "#") {
		if subscribe {
			return deny(model.AlertWildcardSubscribeDenied)
		}
		return deny("")
	}

	if class != deviceauth.ClassDevice {
		// TLS already authenticated the connection; an unrecognized
		// clientId role gets no ACL rights beyond what is granted above.
		return deny("")
	}

	serial, action, ok := parseDeviceTopic(topic, a.controllerID)
	if !ok {
		return deny("")
	}

	if subscribe {
		return a.authorizeDeviceSubscribe(ctx, clientID, serial, action)
	}
	return a.authorizeDevicePublish(ctx, clientID, serial, action)
}

// rule 4: device publish
func (a *Authorizator) authorizeDevicePublish(ctx context.Context, clientID, serial, action string) Decision {
	if action != topicActionTelemetry && action != topicActionRegister && action != topicActionHealth {
		// includes the always-denied /cmd publish by a device
		logger.Default().Warnf("topicacl: device %s denied publish to restricted topic action %q", clientID, action)
		return deny(model.AlertUnauthorizedTopicAccess)
	}

	device, err := a.store.FindBySerialHash(ctx, identity.Hash(serial))
	if err == sql.ErrNoRows {
		logger.Default().Warnf("topicacl: device %s publish denied, unknown serial in topic", clientID)
		return deny(model.AlertUnauthorizedTopicAccess)
	}
	if err != nil {
		logger.Default().WithError(err).Error("topicacl: registry lookup failed")
		return deny("")
	}
	if device.Status != model.StatusApproved {
		logger.Default().Warnf("topicacl: device %s publish denied, status %s is not APPROVED", clientID, device.Status)
		return deny(model.AlertUnauthorizedTopicAccess)
	}

	tailFromClientID, _, err := deviceauth.ParseDeviceClientID(clientID)
	if err != nil {
		return deny(model.AlertSerialClientIDMismatch)
	}
	if tailFromClientID != deviceauth.SerialTail(serial) {
		logger.Default().Warnf("topicacl: device %s publish denied, clientId/topic serial mismatch", clientID)
		return deny(model.AlertSerialClientIDMismatch)
	}

	return allow
}

// rule 5: device subscribe, only its own /cmd topic while APPROVED
func (a *Authorizator) authorizeDeviceSubscribe(ctx context.Context, clientID, serial, action string) Decision {
	if action != topicActionCmd {
		return deny(model.AlertUnauthorizedTopicAccess)
	}

	device, err := a.store.FindBySerialHash(ctx, identity.Hash(serial))
	if err != nil || device.Status != model.StatusApproved {
		logger.Default().Warnf("topicacl: device %s subscribe denied on %s", clientID, serial)
		return deny(model.AlertUnauthorizedTopicAccess)
	}

	tailFromClientID, _, err := deviceauth.ParseDeviceClientID(clientID)
	if err != nil || tailFromClientID != deviceauth.SerialTail(serial) {
		return deny(model.AlertSerialClientIDMismatch)
	}

	return allow
}

// parseDeviceTopic splits "home/<controllerId>/devices/<serial>/<action>"
// into serial and action. Returns ok=false for anything else, including
// topics for a different controllerId.
func parseDeviceTopic(topic, controllerID string) (serial, action string, ok bool) {
	prefix := "home/" + controllerID + "/devices/"
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}
	rest := topic[len(prefix):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
