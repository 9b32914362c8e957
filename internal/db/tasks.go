package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"homecore/internal/models"
	"homecore/internal/store"
)

const taskColumns = "id, dedupe_key, scenario_id, actions, scheduled_on, done, created_at, updated_at"

func scanTask(row pgx.Row) (models.Task, error) {
	var (
		t        models.Task
		scenario *int64
		actions  []byte
	)
	if err := row.Scan(&t.ID, &t.Key, &scenario, &actions, &t.ScheduledOn, &t.Done, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.Task{}, err
	}
	if scenario != nil {
		t.ScenarioID = *scenario
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &t.Actions); err != nil {
			return models.Task{}, fmt.Errorf("task %d actions: %w", t.ID, err)
		}
	}
	return t, nil
}

// GetOrCreateTask inserts t unless a task with the same key exists, then returns the stored row
func (d *DB) GetOrCreateTask(ctx context.Context, t models.Task) (models.Task, bool, error) {
	actions, err := json.Marshal(t.Actions)
	if err != nil {
		return models.Task{}, false, err
	}
	if t.Actions == nil {
		actions = []byte("[]")
	}
	var scenario *int64
	if t.ScenarioID != 0 {
		scenario = &t.ScenarioID
	}

	created, err := scanTask(d.pool.QueryRow(ctx,
		"INSERT INTO tasks (dedupe_key, scenario_id, actions, scheduled_on) VALUES ($1, $2, $3, $4) ON CONFLICT (dedupe_key) DO NOTHING RETURNING "+taskColumns,
		t.Key, scenario, actions, t.ScheduledOn))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, false, fmt.Errorf("create task %s: %w", t.Key, err)
	}

	existing, err := scanTask(d.pool.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE dedupe_key = $1", t.Key))
	if err != nil {
		return models.Task{}, false, notFound(err, "task "+t.Key)
	}
	return existing, false, nil
}

// ListPendingTasks fetches undone tasks, oldest first
func (d *DB) ListPendingTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := d.pool.Query(ctx, "SELECT "+taskColumns+" FROM tasks WHERE NOT done ORDER BY scheduled_on, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkTaskDone flags a task as executed
func (d *DB) MarkTaskDone(ctx context.Context, id int64) error {
	tag, err := d.pool.Exec(ctx, "UPDATE tasks SET done = TRUE, updated_at = NOW() WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// PurgeTasks deletes done tasks last touched before the cutoff
func (d *DB) PurgeTasks(ctx context.Context, before time.Time) (int64, error) {
	tag, err := d.pool.Exec(ctx, "DELETE FROM tasks WHERE done AND updated_at < $1", before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
