// Package registry is the durable persistence layer for the device
// registry, connections, alerts, telemetry, client bindings and audit
// log. It owns every row write; callers elsewhere in the module only
// ever go through these operations.
//
// Unique-key violations on idempotent inserts and "relation does not
// exist" during bootstrap seeding are suppressed and logged; everything
// else propagates. The classification is typed
// (core/csql.IsUniqueViolation / IsUndefinedTable), not a string match
// against the driver's error text.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hearthwire/sentryhub/core/csql"
	"github.com/hearthwire/sentryhub/core/logger"
	"github.com/hearthwire/sentryhub/internal/model"
)

// Store is the registry's persistence handle. One Store is shared by all
// callers; every method acquires its own short-lived connection from the
// pool except UpdateStatus, which needs a single row-exclusive
// transaction.
type Store struct {
	db *csql.DB
}

// NewStore creates the registry relations if needed and returns a Store
// bound to db.
func NewStore(db *csql.DB) *Store {
	MustCreateSchemaIfNotExists(db)
	return &Store{db: db}
}

// ErrInvalidTransition is returned by UpdateStatus when newStatus is not
// reachable from the device's current status.
type ErrInvalidTransition struct {
	From, To model.DeviceStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid device status transition: %s -> %s", e.From, e.To)
}

func suppressIdempotentInsert(err error, what string) error {
	if err == nil {
		return nil
	}
	if csql.IsUniqueViolation(err) {
		logger.Default().Infof("registry: ignoring duplicate %s insert: %v", what, err)
		return nil
	}
	if csql.IsUndefinedTable(err) {
		logger.Default().Warnf("registry: %s table not found during bootstrap, ignoring: %v", what, err)
		return nil
	}
	return err
}

// UpsertDeviceIfAbsent inserts d keyed by CompositeHash, or returns the
// existing row if one is already there. Never overwrites status.
func (s *Store) UpsertDeviceIfAbsent(ctx context.Context, d model.Device) (model.Device, error) {
	existing, err := s.FindByCompositeHash(ctx, d.CompositeHash)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return model.Device{}, err
	}

	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.StatusPending
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO `+s.db.Schema+`.devices
			(device_type, serial_hash, mac_hash, composite_hash, status, is_critical,
			 registered_at, approved_at, approved_by, last_health_check, firmware_version, hardware_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (composite_hash) DO NOTHING
		RETURNING id`,
		d.Type, d.SerialHash, d.MACHash, d.CompositeHash, d.Status, d.Critical,
		d.RegisteredAt, d.ApprovedAt, d.ApprovedBy, d.LastHealthCheck, d.FirmwareVersion, d.HardwareVersion,
	)
	if err := row.Scan(&d.ID); err != nil {
		if err == sql.ErrNoRows {
			// lost the insert race; someone else created it concurrently
			return s.FindByCompositeHash(ctx, d.CompositeHash)
		}
		if suppressed := suppressIdempotentInsert(err, "device"); suppressed == nil {
			return s.FindByCompositeHash(ctx, d.CompositeHash)
		}
		return model.Device{}, err
	}
	return d, nil
}

// UpdateStatus executes the status transition under a row-exclusive lock
// (SELECT ... FOR UPDATE inside a transaction). It does not emit the
// audit alert itself; the caller does that once the transaction has
// committed.
func (s *Store) UpdateStatus(ctx context.Context, deviceID int64, newStatus model.DeviceStatus, actor string, automatic bool) (model.Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Device{}, err
	}

	d, err := scanDevice(tx.QueryRowContext(ctx, deviceSelectColumns+` FROM `+s.db.Schema+`.devices WHERE id=$1 FOR UPDATE`, deviceID))
	if err != nil {
		tx.Rollback()
		return model.Device{}, err
	}

	if !d.Status.CanTransitionTo(newStatus, automatic) {
		tx.Rollback()
		return model.Device{}, &ErrInvalidTransition{From: d.Status, To: newStatus}
	}

	now := time.Now().UTC()
	var approvedAt *time.Time
	var approvedBy *string
	if newStatus == model.StatusApproved {
		approvedAt = &now
		if actor != "" {
			approvedBy = &actor
		}
	} else {
		approvedAt = d.ApprovedAt
		approvedBy = d.ApprovedBy
	}

	_, err = tx.ExecContext(ctx, `UPDATE `+s.db.Schema+`.devices SET status=$1, approved_at=$2, approved_by=$3 WHERE id=$4`,
		newStatus, approvedAt, approvedBy, deviceID)
	if err != nil {
		tx.Rollback()
		return model.Device{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Device{}, err
	}

	d.Status = newStatus
	d.ApprovedAt = approvedAt
	d.ApprovedBy = approvedBy
	return d, nil
}

// MarkCritical sets the device's critical flag.
func (s *Store) MarkCritical(ctx context.Context, deviceID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE `+s.db.Schema+`.devices SET is_critical=true WHERE id=$1`, deviceID)
	return err
}

// UpdateLastHealthCheck is an idempotent wallclock write.
func (s *Store) UpdateLastHealthCheck(ctx context.Context, deviceID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE `+s.db.Schema+`.devices SET last_health_check=$1 WHERE id=$2`, time.Now().UTC(), deviceID)
	return err
}

// UpdateDeviceMetadata refreshes firmware/hardware version on a re-registration
// without touching status.
func (s *Store) UpdateDeviceMetadata(ctx context.Context, deviceID int64, firmwareVersion, hardwareVersion *string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE `+s.db.Schema+`.devices SET firmware_version=$1, hardware_version=$2 WHERE id=$3`,
		firmwareVersion, hardwareVersion, deviceID)
	return err
}

const deviceSelectColumns = `SELECT id, device_type, serial_hash, mac_hash, composite_hash, status, is_critical,
	registered_at, approved_at, approved_by, last_health_check, firmware_version, hardware_version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.Type, &d.SerialHash, &d.MACHash, &d.CompositeHash, &d.Status, &d.Critical,
		&d.RegisteredAt, &d.ApprovedAt, &d.ApprovedBy, &d.LastHealthCheck, &d.FirmwareVersion, &d.HardwareVersion)
	return d, err
}

// FindBySerialHash returns the most recently registered device with the
// given serial hash, or sql.ErrNoRows.
func (s *Store) FindBySerialHash(ctx context.Context, serialHash string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx, deviceSelectColumns+` FROM `+s.db.Schema+`.devices WHERE serial_hash=$1 ORDER BY registered_at DESC LIMIT 1`, serialHash)
	return scanDevice(row)
}

// FindByCompositeHash returns the device keyed by compositeHash, or sql.ErrNoRows.
func (s *Store) FindByCompositeHash(ctx context.Context, compositeHash string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx, deviceSelectColumns+` FROM `+s.db.Schema+`.devices WHERE composite_hash=$1`, compositeHash)
	return scanDevice(row)
}

// FindByID returns the device with the given id, or sql.ErrNoRows.
func (s *Store) FindByID(ctx context.Context, id int64) (model.Device, error) {
	row := s.db.QueryRowContext(ctx, deviceSelectColumns+` FROM `+s.db.Schema+`.devices WHERE id=$1`, id)
	return scanDevice(row)
}

// FindByStatus returns all devices with the given status.
func (s *Store) FindByStatus(ctx context.Context, status model.DeviceStatus) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceSelectColumns+` FROM `+s.db.Schema+`.devices WHERE status=$1`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDevices(rows)
}

// FindAll returns every device in the registry.
func (s *Store) FindAll(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceSelectColumns+` FROM `+s.db.Schema+`.devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDevices(rows)
}

func collectDevices(rows *sql.Rows) ([]model.Device, error) {
	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- connections ---

const connectionSelectColumns = `SELECT id, device_id, connected_at, disconnected_at, ip_address, client_info`

func scanConnection(row rowScanner) (model.Connection, error) {
	var c model.Connection
	err := row.Scan(&c.ID, &c.DeviceID, &c.ConnectedAt, &c.DisconnectedAt, &c.PeerAddress, &c.ClientInfo)
	return c, err
}

// CreateConnection inserts a new active connection row.
func (s *Store) CreateConnection(ctx context.Context, deviceID int64, peerAddress, clientInfo string) (model.Connection, error) {
	c := model.Connection{DeviceID: deviceID, ConnectedAt: time.Now().UTC(), PeerAddress: peerAddress, ClientInfo: clientInfo}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO `+s.db.Schema+`.device_connections (device_id, connected_at, ip_address, client_info)
		VALUES ($1,$2,$3,$4) RETURNING id`, c.DeviceID, c.ConnectedAt, c.PeerAddress, c.ClientInfo)
	if err := row.Scan(&c.ID); err != nil {
		return model.Connection{}, err
	}
	return c, nil
}

// CloseConnection sets disconnected_at for the connection with the given id.
func (s *Store) CloseConnection(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE `+s.db.Schema+`.device_connections SET disconnected_at=$1 WHERE id=$2 AND disconnected_at IS NULL`,
		time.Now().UTC(), id)
	return err
}

// CloseAllForDevice closes every active connection for deviceID.
func (s *Store) CloseAllForDevice(ctx context.Context, deviceID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE `+s.db.Schema+`.device_connections SET disconnected_at=$1 WHERE device_id=$2 AND disconnected_at IS NULL`,
		time.Now().UTC(), deviceID)
	return err
}

// FindActiveByDeviceID returns the single active connection for a device,
// if any.
func (s *Store) FindActiveByDeviceID(ctx context.Context, deviceID int64) (model.Connection, error) {
	row := s.db.QueryRowContext(ctx, connectionSelectColumns+` FROM `+s.db.Schema+`.device_connections
		WHERE device_id=$1 AND disconnected_at IS NULL ORDER BY connected_at DESC LIMIT 1`, deviceID)
	return scanConnection(row)
}

// FindActiveConnections returns every connection currently open.
func (s *Store) FindActiveConnections(ctx context.Context) ([]model.Connection, error) {
	rows, err := s.db.QueryContext(ctx, connectionSelectColumns+` FROM `+s.db.Schema+`.device_connections WHERE disconnected_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- alerts ---

// InsertAlert appends a security alert row. Details is marshaled to JSON.
func (s *Store) InsertAlert(ctx context.Context, alertType model.AlertType, deviceSerialHash string, details map[string]interface{}) error {
	if details == nil {
		details = map[string]interface{}{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO `+s.db.Schema+`.security_alerts (alert_type, device_serial_hash, details, created_at)
		VALUES ($1,$2,$3,$4)`, alertType, deviceSerialHash, raw, time.Now().UTC())
	if suppressed := suppressIdempotentInsert(err, "alert"); suppressed == nil {
		return nil
	}
	return err
}

func scanAlert(rows *sql.Rows) (model.Alert, error) {
	var a model.Alert
	var raw []byte
	if err := rows.Scan(&a.ID, &a.Type, &a.DeviceSerialHash, &raw, &a.CreatedAt); err != nil {
		return model.Alert{}, err
	}
	if len(raw) > 0 {
		json.Unmarshal(raw, &a.Details)
	}
	return a, nil
}

const alertSelectColumns = `SELECT id, alert_type, device_serial_hash, details, created_at`

// FindAlertsByType returns every alert with the given type, newest first.
func (s *Store) FindAlertsByType(ctx context.Context, alertType model.AlertType) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, alertSelectColumns+` FROM `+s.db.Schema+`.security_alerts WHERE alert_type=$1 ORDER BY created_at DESC`, alertType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// FindAlertsBySerialHash returns every alert for a given device serial hash, newest first.
func (s *Store) FindAlertsBySerialHash(ctx context.Context, serialHash string) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, alertSelectColumns+` FROM `+s.db.Schema+`.security_alerts WHERE device_serial_hash=$1 ORDER BY created_at DESC`, serialHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// FindAllAlerts returns every alert, newest first.
func (s *Store) FindAllAlerts(ctx context.Context) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, alertSelectColumns+` FROM `+s.db.Schema+`.security_alerts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func collectAlerts(rows *sql.Rows) ([]model.Alert, error) {
	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- telemetry ---

// InsertTelemetry appends one immutable telemetry row.
func (s *Store) InsertTelemetry(ctx context.Context, t model.Telemetry) error {
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.db.Schema+`.telemetry
		(device_id, received_at, topic, ts, measurement, metric_value, payload_raw)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.DeviceID, t.ReceivedAt, t.Topic, t.Timestamp, t.Measurement, t.MetricValue, t.PayloadRaw)
	return err
}

// --- client bindings / audit log: persistence targets for the pairing surface ---

// InsertClientBinding stores a binding from an external client UUID to a
// certificate fingerprint and role.
func (s *Store) InsertClientBinding(ctx context.Context, b model.ClientBinding) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.db.Schema+`.client_bindings (uuid, fingerprint, role, created_at, last_seen_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (uuid) DO UPDATE SET last_seen_at=$4`, b.UUID, b.Fingerprint, b.Role, now)
	return err
}

// InsertAuditLog appends an admin audit-log entry.
func (s *Store) InsertAuditLog(ctx context.Context, eventType, subject string, details map[string]interface{}) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO `+s.db.Schema+`.audit_logs (event_type, subject, details, created_at)
		VALUES ($1,$2,$3,$4)`, eventType, subject, raw, time.Now().UTC())
	return err
}
