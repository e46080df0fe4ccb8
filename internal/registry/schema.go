package registry

import "github.com/hearthwire/sentryhub/core/csql"

// MustCreateSchemaIfNotExists creates the relations the registry owns if
// they do not exist yet. Poor man's migrations: run the DDL at startup,
// rely on IF NOT EXISTS for idempotency.
func MustCreateSchemaIfNotExists(db *csql.DB) {
	schema := db.Schema
	stmts := []string{
		`CREATE extension IF NOT EXISTS "uuid-ossp";`,

		`CREATE table IF NOT EXISTS ` + schema + `.devices (
			id bigserial PRIMARY KEY,
			device_type varchar NOT NULL,
			serial_hash varchar NOT NULL,
			mac_hash varchar NOT NULL,
			composite_hash varchar NOT NULL UNIQUE,
			status varchar NOT NULL,
			is_critical boolean NOT NULL DEFAULT false,
			registered_at timestamp NOT NULL,
			approved_at timestamp,
			approved_by varchar,
			last_health_check timestamp,
			firmware_version varchar,
			hardware_version varchar
		);`,
		`CREATE INDEX IF NOT EXISTS devices_serial_hash_idx ON ` + schema + `.devices(serial_hash);`,
		`CREATE INDEX IF NOT EXISTS devices_status_idx ON ` + schema + `.devices(status);`,

		`CREATE table IF NOT EXISTS ` + schema + `.device_connections (
			id bigserial PRIMARY KEY,
			device_id bigint NOT NULL REFERENCES ` + schema + `.devices(id),
			connected_at timestamp NOT NULL,
			disconnected_at timestamp,
			ip_address varchar NOT NULL,
			client_info varchar NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS device_connections_active_idx ON ` + schema + `.device_connections(device_id, disconnected_at);`,

		`CREATE table IF NOT EXISTS ` + schema + `.security_alerts (
			id bigserial PRIMARY KEY,
			alert_type varchar NOT NULL,
			device_serial_hash varchar NOT NULL DEFAULT '',
			details jsonb NOT NULL DEFAULT '{}',
			created_at timestamp NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS security_alerts_type_idx ON ` + schema + `.security_alerts(alert_type);`,
		`CREATE INDEX IF NOT EXISTS security_alerts_serial_idx ON ` + schema + `.security_alerts(device_serial_hash);`,

		`CREATE table IF NOT EXISTS ` + schema + `.telemetry (
			id bigserial PRIMARY KEY,
			device_id bigint NOT NULL REFERENCES ` + schema + `.devices(id),
			received_at timestamp NOT NULL,
			topic varchar NOT NULL,
			ts timestamp,
			measurement varchar,
			metric_value double precision,
			payload_raw bytea NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS telemetry_device_received_idx ON ` + schema + `.telemetry(device_id, received_at);`,

		`CREATE table IF NOT EXISTS ` + schema + `.client_bindings (
			id bigserial PRIMARY KEY,
			uuid varchar NOT NULL UNIQUE,
			fingerprint varchar NOT NULL,
			role varchar NOT NULL,
			created_at timestamp NOT NULL,
			last_seen_at timestamp NOT NULL
		);`,

		`CREATE table IF NOT EXISTS ` + schema + `.audit_logs (
			id bigserial PRIMARY KEY,
			event_type varchar NOT NULL,
			subject varchar NOT NULL,
			details jsonb NOT NULL DEFAULT '{}',
			created_at timestamp NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			if csql.IsDuplicateObject(err) {
				continue
			}
			panic(err)
		}
	}
}
