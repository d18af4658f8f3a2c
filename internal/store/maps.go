package store

import (
	"context"
	"time"

	"github.com/corebit/corebit/internal/models"
)

// ListMaps returns all maps, default first
func (s *Store) ListMaps(ctx context.Context) ([]models.NetworkMap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, is_default, created_at, updated_at
		FROM maps ORDER BY is_default DESC, name`)
	if err != nil {
		return nil, repoErr("list_maps", err)
	}
	defer rows.Close()

	var maps []models.NetworkMap
	for rows.Next() {
		var m models.NetworkMap
		var createdAt, updatedAt int64
		if err := rows.Scan(&m.ID, &m.Name, &m.IsDefault, &createdAt, &updatedAt); err != nil {
			return nil, repoErr("scan_map", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		maps = append(maps, m)
	}
	return maps, repoErr("iterate_maps", rows.Err())
}

// GetMap returns one map by id
func (s *Store) GetMap(ctx context.Context, id string) (*models.NetworkMap, error) {
	var m models.NetworkMap
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_default, created_at, updated_at FROM maps WHERE id = ?`, id).
		Scan(&m.ID, &m.Name, &m.IsDefault, &createdAt, &updatedAt)
	if err != nil {
		return nil, repoErr("get_map", err)
	}
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &m, nil
}

// CreateMap inserts a map. Marking it default clears the previous default.
func (s *Store) CreateMap(ctx context.Context, m *models.NetworkMap) error {
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return repoErr("create_map", err)
	}
	defer tx.Rollback()

	if m.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE maps SET is_default = 0`); err != nil {
			return repoErr("create_map", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO maps (id, name, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.IsDefault, m.CreatedAt.Unix(), m.UpdatedAt.Unix()); err != nil {
		return repoErr("create_map", err)
	}
	return repoErr("create_map", tx.Commit())
}

// UpdateMap renames a map or changes its default flag
func (s *Store) UpdateMap(ctx context.Context, m *models.NetworkMap) error {
	m.UpdatedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return repoErr("update_map", err)
	}
	defer tx.Rollback()

	if m.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE maps SET is_default = 0 WHERE id != ?`, m.ID); err != nil {
			return repoErr("update_map", err)
		}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE maps SET name = ?, is_default = ?, updated_at = ? WHERE id = ?`,
		m.Name, m.IsDefault, m.UpdatedAt.Unix(), m.ID)
	if err != nil {
		return repoErr("update_map", err)
	}
	if err := requireRowChanged(res, "update_map"); err != nil {
		return err
	}
	return repoErr("update_map", tx.Commit())
}

// DeleteMap removes a map; placements and connections cascade
func (s *Store) DeleteMap(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM maps WHERE id = ?`, id)
	if err != nil {
		return repoErr("delete_map", err)
	}
	return requireRowChanged(res, "delete_map")
}

// ListPlacements returns all placements on a map
func (s *Store) ListPlacements(ctx context.Context, mapID string) ([]models.DevicePlacement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, map_id, x, y FROM device_placements WHERE map_id = ?`, mapID)
	if err != nil {
		return nil, repoErr("list_placements", err)
	}
	defer rows.Close()

	var placements []models.DevicePlacement
	for rows.Next() {
		var p models.DevicePlacement
		if err := rows.Scan(&p.DeviceID, &p.MapID, &p.X, &p.Y); err != nil {
			return nil, repoErr("scan_placement", err)
		}
		placements = append(placements, p)
	}
	return placements, repoErr("iterate_placements", rows.Err())
}

// ListPlacementsByDevice returns every placement of one device across maps
func (s *Store) ListPlacementsByDevice(ctx context.Context, deviceID string) ([]models.DevicePlacement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, map_id, x, y FROM device_placements WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, repoErr("list_placements_by_device", err)
	}
	defer rows.Close()

	var placements []models.DevicePlacement
	for rows.Next() {
		var p models.DevicePlacement
		if err := rows.Scan(&p.DeviceID, &p.MapID, &p.X, &p.Y); err != nil {
			return nil, repoErr("scan_placement", err)
		}
		placements = append(placements, p)
	}
	return placements, repoErr("iterate_placements", rows.Err())
}

// UpsertPlacement places a device on a map or moves it. (device, map) is unique.
func (s *Store) UpsertPlacement(ctx context.Context, p *models.DevicePlacement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_placements (device_id, map_id, x, y) VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, map_id) DO UPDATE SET x = excluded.x, y = excluded.y`,
		p.DeviceID, p.MapID, p.X, p.Y)
	return repoErr("upsert_placement", err)
}

// DeletePlacement removes a device from one map
func (s *Store) DeletePlacement(ctx context.Context, mapID, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM device_placements WHERE map_id = ? AND device_id = ?`, mapID, deviceID)
	if err != nil {
		return repoErr("delete_placement", err)
	}
	return requireRowChanged(res, "delete_placement")
}
