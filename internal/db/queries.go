package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"homecore/internal/models"
	"homecore/internal/store"
)

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

const resourceColumns = "uid, title, type, facility, controlled, auto_off_seconds"

func scanResource(row pgx.Row) (models.Resource, error) {
	var (
		r       models.Resource
		autoOff int
	)
	if err := row.Scan(&r.UID, &r.Title, &r.Type, &r.Facility, &r.Controlled, &autoOff); err != nil {
		return models.Resource{}, err
	}
	r.AutoOff = time.Duration(autoOff) * time.Second
	return r, nil
}

// ListResources fetches all devices
func (d *DB) ListResources(ctx context.Context) ([]models.Resource, error) {
	rows, err := d.pool.Query(ctx, "SELECT "+resourceColumns+" FROM resources ORDER BY uid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []models.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// GetResource fetches a device by uid
func (d *DB) GetResource(ctx context.Context, uid string) (models.Resource, error) {
	r, err := scanResource(d.pool.QueryRow(ctx, "SELECT "+resourceColumns+" FROM resources WHERE uid = $1", uid))
	if err != nil {
		return models.Resource{}, notFound(err, "resource "+uid)
	}
	return r, nil
}

// ListVirtualDevices fetches all computed state sources
func (d *DB) ListVirtualDevices(ctx context.Context) ([]models.VirtualDevice, error) {
	rows, err := d.pool.Query(ctx, "SELECT id, title, class, settings FROM virtual_devices ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.VirtualDevice
	for rows.Next() {
		var (
			v        models.VirtualDevice
			settings []byte
		)
		if err := rows.Scan(&v.ID, &v.Title, &v.Class, &settings); err != nil {
			return nil, err
		}
		v.Settings, err = decodeSettings(v.ID, settings)
		if err != nil {
			d.logger.Warn("DB: Skipping virtual device with malformed settings", zap.String("id", v.ID), zap.Error(err))
			continue
		}
		devices = append(devices, v)
	}
	return devices, rows.Err()
}

// SaveState mirrors the channel state of a resource into resources.state
func (d *DB) SaveState(ctx context.Context, ref models.Ref, state models.State) error {
	if ref.Kind == models.KindVirtual {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, "UPDATE resources SET state = $1 WHERE uid = $2", raw, ref.ID)
	return err
}

// LogCommand appends a published command to the command log
func (d *DB) LogCommand(ctx context.Context, uid string, cmd models.Command, direct bool) error {
	_, err := d.pool.Exec(ctx, "INSERT INTO command_log (resource_uid, command, direct) VALUES ($1, $2, $3)", uid, string(cmd), direct)
	return err
}
