package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
)

const connectionColumns = `id, map_id, source_device_id, target_device_id,
	source_port, target_port, link_speed, monitor_interface, monitor_snmp_index,
	link_stats, is_dynamic, dynamic_type, dynamic_metadata, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*models.Connection, error) {
	var c models.Connection
	var statsJSON, metaJSON sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&c.ID, &c.MapID, &c.SourceDeviceID, &c.TargetDeviceID,
		&c.SourcePort, &c.TargetPort, &c.LinkSpeed, &c.MonitorInterface,
		&c.MonitorSNMPIndex, &statsJSON, &c.IsDynamic, &c.DynamicType,
		&metaJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if statsJSON.Valid && statsJSON.String != "" {
		c.LinkStats = &models.LinkStats{}
		if err := unmarshalJSON(statsJSON.String, c.LinkStats); err != nil {
			return nil, err
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		c.DynamicMetadata = &models.DynamicMetadata{}
		if err := unmarshalJSON(metaJSON.String, c.DynamicMetadata); err != nil {
			return nil, err
		}
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

func collectConnections(rows *sql.Rows) ([]models.Connection, error) {
	var conns []models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, repoErr("scan_connection", err)
		}
		conns = append(conns, *c)
	}
	return conns, repoErr("iterate_connections", rows.Err())
}

// ListConnections returns the connections on one map
func (s *Store) ListConnections(ctx context.Context, mapID string) ([]models.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE map_id = ?`, mapID)
	if err != nil {
		return nil, repoErr("list_connections", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// ListMonitoredConnections returns connections with an active interface monitor
func (s *Store) ListMonitoredConnections(ctx context.Context) ([]models.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE monitor_interface != ''`)
	if err != nil {
		return nil, repoErr("list_monitored_connections", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// ListDynamicConnections returns connections resolved at runtime
func (s *Store) ListDynamicConnections(ctx context.Context) ([]models.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE is_dynamic = 1`)
	if err != nil {
		return nil, repoErr("list_dynamic_connections", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// GetConnection returns one connection by id
func (s *Store) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if err != nil {
		return nil, repoErr("get_connection", err)
	}
	return c, nil
}

// CreateConnection inserts a connection. At most one connection may exist
// per unordered {source, target, sourcePort, targetPort}; a reverse
// duplicate is rejected.
func (s *Store) CreateConnection(ctx context.Context, c *models.Connection) error {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM connections
		WHERE map_id = ?
		  AND ((source_device_id = ? AND target_device_id = ? AND source_port = ? AND target_port = ?)
		    OR (source_device_id = ? AND target_device_id = ? AND source_port = ? AND target_port = ?))`,
		c.MapID,
		c.SourceDeviceID, c.TargetDeviceID, c.SourcePort, c.TargetPort,
		c.TargetDeviceID, c.SourceDeviceID, c.TargetPort, c.SourcePort).Scan(&count)
	if err != nil {
		return repoErr("create_connection", err)
	}
	if count > 0 {
		return errors.NewClientInputError("create_connection",
			fmt.Errorf("connection between these endpoints already exists"))
	}

	statsJSON, err := marshalJSON(c.LinkStats)
	if err != nil {
		return repoErr("create_connection", err)
	}
	metaJSON, err := marshalJSON(c.DynamicMetadata)
	if err != nil {
		return repoErr("create_connection", err)
	}

	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (id, map_id, source_device_id, target_device_id,
			source_port, target_port, link_speed, monitor_interface,
			monitor_snmp_index, link_stats, is_dynamic, dynamic_type,
			dynamic_metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.MapID, c.SourceDeviceID, c.TargetDeviceID,
		c.SourcePort, c.TargetPort, c.LinkSpeed, c.MonitorInterface,
		c.MonitorSNMPIndex, statsJSON, c.IsDynamic, c.DynamicType,
		metaJSON, c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	return repoErr("create_connection", err)
}

// UpdateConnection rewrites a connection's mutable fields
func (s *Store) UpdateConnection(ctx context.Context, c *models.Connection) error {
	statsJSON, err := marshalJSON(c.LinkStats)
	if err != nil {
		return repoErr("update_connection", err)
	}
	metaJSON, err := marshalJSON(c.DynamicMetadata)
	if err != nil {
		return repoErr("update_connection", err)
	}

	c.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET source_device_id = ?, target_device_id = ?,
			source_port = ?, target_port = ?, link_speed = ?,
			monitor_interface = ?, monitor_snmp_index = ?, link_stats = ?,
			is_dynamic = ?, dynamic_type = ?, dynamic_metadata = ?, updated_at = ?
		WHERE id = ?`,
		c.SourceDeviceID, c.TargetDeviceID, c.SourcePort, c.TargetPort,
		c.LinkSpeed, c.MonitorInterface, c.MonitorSNMPIndex, statsJSON,
		c.IsDynamic, c.DynamicType, metaJSON, c.UpdatedAt.Unix(), c.ID)
	if err != nil {
		return repoErr("update_connection", err)
	}
	return requireRowChanged(res, "update_connection")
}

// DeleteConnection removes a connection
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return repoErr("delete_connection", err)
	}
	return requireRowChanged(res, "delete_connection")
}

// UpdateLinkStats persists the rolling traffic snapshot on a connection
func (s *Store) UpdateLinkStats(ctx context.Context, id string, stats *models.LinkStats) error {
	statsJSON, err := marshalJSON(stats)
	if err != nil {
		return repoErr("update_link_stats", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE connections SET link_stats = ?, updated_at = ? WHERE id = ?`,
		statsJSON, time.Now().Unix(), id)
	return repoErr("update_link_stats", err)
}
