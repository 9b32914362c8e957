package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"homecore/internal/models"
)

const conditionColumns = "id, sensor_id, switch_id, button_id, virtual_device_id, channel, comparison, value"

// conditionRow is a conditions row with its owner column already split off
type conditionRow struct {
	owner int64
	set   string
	cond  models.Condition
}

func scanCondition(rows pgx.Rows, dest ...any) (models.Condition, error) {
	var (
		id                         int64
		sensor, sw, button, virt   *string
		channel, comparison, value string
	)
	dest = append(dest, &id, &sensor, &sw, &button, &virt, &channel, &comparison, &value)
	if err := rows.Scan(dest...); err != nil {
		return models.Condition{}, err
	}
	subject, err := models.SubjectFromColumns(sensor, sw, button, virt)
	if err != nil {
		return models.Condition{}, badRow(fmt.Sprintf("condition %d", id), err)
	}
	c, err := models.NewCondition(subject, channel, models.Comparison(comparison), value)
	if err != nil {
		return models.Condition{}, badRow(fmt.Sprintf("condition %d", id), err)
	}
	c.ID = id
	return c, nil
}

// ListScenarios fetches scenarios with their conditions, actions, buttons and schedules
func (d *DB) ListScenarios(ctx context.Context, activeOnly bool) ([]models.Scenario, error) {
	query := "SELECT id, title, active, combinator FROM scenarios"
	if activeOnly {
		query += " WHERE active"
	}
	scenarios, broken, err := d.loadScenarios(ctx, query+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	return dropBroken(scenarios, func(sc models.Scenario) int64 { return sc.ID }, broken, "scenario", d.logger), nil
}

// GetScenario fetches one scenario by id
func (d *DB) GetScenario(ctx context.Context, id int64) (models.Scenario, error) {
	scenarios, broken, err := d.loadScenarios(ctx, "SELECT id, title, active, combinator FROM scenarios WHERE id = $1", id)
	if err != nil {
		return models.Scenario{}, err
	}
	if err := broken[id]; err != nil {
		return models.Scenario{}, fmt.Errorf("scenario %d: %w", id, err)
	}
	if len(scenarios) == 0 {
		return models.Scenario{}, notFound(pgx.ErrNoRows, fmt.Sprintf("scenario %d", id))
	}
	return scenarios[0], nil
}

// loadScenarios returns the scenarios and the ids of those with malformed child rows
func (d *DB) loadScenarios(ctx context.Context, query string, args ...any) ([]models.Scenario, brokenOwners, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	var (
		scenarios []models.Scenario
		ids       []int64
	)
	for rows.Next() {
		var (
			sc         models.Scenario
			combinator string
		)
		if err := rows.Scan(&sc.ID, &sc.Title, &sc.Active, &combinator); err != nil {
			rows.Close()
			return nil, nil, err
		}
		sc.Combinator = models.ParseCombinator(combinator)
		scenarios = append(scenarios, sc)
		ids = append(ids, sc.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	broken := brokenOwners{}
	conds, badConds, err := d.ownedConditions(ctx, "scenario_id, ''", "scenario_id = ANY($1)", ids)
	if err != nil {
		return nil, nil, err
	}
	broken.merge(badConds)
	actions, badActions, err := d.scenarioActions(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	broken.merge(badActions)
	buttons, err := d.ownedStrings(ctx, "SELECT scenario_id, button_uid FROM scenario_buttons WHERE scenario_id = ANY($1) ORDER BY button_uid", ids)
	if err != nil {
		return nil, nil, err
	}
	schedules, badSchedules, err := d.schedules(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	broken.merge(badSchedules)

	for i := range scenarios {
		sc := &scenarios[i]
		for _, c := range conds {
			if c.owner == sc.ID {
				sc.Conditions = append(sc.Conditions, c.cond)
			}
		}
		sc.Actions = actions[sc.ID]
		sc.Buttons = buttons[sc.ID]
		sc.Schedules = schedules[sc.ID]
		sc.Normalize()
	}
	return scenarios, broken, nil
}

func (d *DB) ownedConditions(ctx context.Context, ownerColumns, where string, ids []int64) ([]conditionRow, brokenOwners, error) {
	rows, err := d.pool.Query(ctx, "SELECT "+ownerColumns+", "+conditionColumns+" FROM conditions WHERE "+where+" ORDER BY id", ids)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []conditionRow
	broken := brokenOwners{}
	for rows.Next() {
		var r conditionRow
		c, err := scanCondition(rows, &r.owner, &r.set)
		if errors.Is(err, errBadRow) {
			broken.add(r.owner, err)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		r.cond = c
		out = append(out, r)
	}
	return out, broken, rows.Err()
}

func (d *DB) scenarioActions(ctx context.Context, ids []int64) (map[int64][]models.Action, brokenOwners, error) {
	rows, err := d.pool.Query(ctx, `SELECT sa.scenario_id, a.id, a.resource_uid, a.command
		FROM scenario_actions sa JOIN actions a ON a.id = sa.action_id
		WHERE sa.scenario_id = ANY($1) ORDER BY a.id`, ids)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	out := make(map[int64][]models.Action)
	broken := brokenOwners{}
	for rows.Next() {
		var (
			owner   int64
			a       models.Action
			command string
		)
		if err := rows.Scan(&owner, &a.ID, &a.Target, &command); err != nil {
			return nil, nil, err
		}
		cmd, err := models.ParseCommand(command)
		if err != nil {
			broken.add(owner, badRow(fmt.Sprintf("action %d", a.ID), err))
			continue
		}
		a.Command = cmd
		out[owner] = append(out[owner], a)
	}
	return out, broken, rows.Err()
}

func (d *DB) ownedStrings(ctx context.Context, query string, ids []int64) (map[int64][]string, error) {
	rows, err := d.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]string)
	for rows.Next() {
		var (
			owner int64
			s     string
		)
		if err := rows.Scan(&owner, &s); err != nil {
			return nil, err
		}
		out[owner] = append(out[owner], s)
	}
	return out, rows.Err()
}

func (d *DB) schedules(ctx context.Context, ids []int64) (map[int64][]models.Schedule, brokenOwners, error) {
	rows, err := d.pool.Query(ctx, `SELECT id, scenario_id, daily, days, at::text, source_virtual_device_id, source_channel
		FROM schedules WHERE scenario_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	out := make(map[int64][]models.Schedule)
	broken := brokenOwners{}
	for rows.Next() {
		var (
			s             models.Schedule
			days, channel string
			at, source    *string
		)
		if err := rows.Scan(&s.ID, &s.ScenarioID, &s.Daily, &days, &at, &source, &channel); err != nil {
			return nil, nil, err
		}
		if err := fillSchedule(&s, days, at, source, channel); err != nil {
			broken.add(s.ScenarioID, err)
			continue
		}
		out[s.ScenarioID] = append(out[s.ScenarioID], s)
	}
	return out, broken, rows.Err()
}

// fillSchedule decodes the text columns of a schedules row
func fillSchedule(s *models.Schedule, days string, at, source *string, channel string) error {
	what := fmt.Sprintf("schedule %d", s.ID)
	parsed, err := models.ParseDays(days)
	if err != nil {
		return badRow(what, err)
	}
	s.Days = parsed
	if at != nil {
		tod, err := models.ParseTimeOfDay(*at)
		if err != nil {
			return badRow(what, err)
		}
		s.At = &tod
	}
	if source != nil {
		s.Source = &models.ScheduleSource{VirtualDeviceID: *source, Channel: channel}
	}
	if s.At == nil && s.Source == nil {
		return badRow(what, errors.New("neither a time nor a source"))
	}
	return nil
}

// ListBehaviors fetches behaviors with both condition sets and their switches
func (d *DB) ListBehaviors(ctx context.Context) ([]models.Behavior, error) {
	rows, err := d.pool.Query(ctx, "SELECT id, title, combinator_on, combinator_off FROM behaviors ORDER BY id")
	if err != nil {
		return nil, err
	}
	var (
		behaviors []models.Behavior
		ids       []int64
	)
	for rows.Next() {
		var (
			b       models.Behavior
			on, off string
		)
		if err := rows.Scan(&b.ID, &b.Title, &on, &off); err != nil {
			rows.Close()
			return nil, err
		}
		b.CombinatorOn = models.ParseCombinator(on)
		b.CombinatorOff = models.ParseCombinator(off)
		behaviors = append(behaviors, b)
		ids = append(ids, b.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil || len(ids) == 0 {
		return behaviors, err
	}

	conds, broken, err := d.ownedConditions(ctx, "behavior_id, behavior_set", "behavior_id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	switches, err := d.ownedStrings(ctx, "SELECT behavior_id, switch_uid FROM behavior_switches WHERE behavior_id = ANY($1) ORDER BY switch_uid", ids)
	if err != nil {
		return nil, err
	}
	for i := range behaviors {
		b := &behaviors[i]
		for _, c := range conds {
			if c.owner != b.ID {
				continue
			}
			if c.set == "off" {
				b.ConditionsOff = append(b.ConditionsOff, c.cond)
			} else {
				b.ConditionsOn = append(b.ConditionsOn, c.cond)
			}
		}
		b.Switches = switches[b.ID]
	}
	return dropBroken(behaviors, func(b models.Behavior) int64 { return b.ID }, broken, "behavior", d.logger), nil
}

// ListRegulators fetches regulators with their switches
func (d *DB) ListRegulators(ctx context.Context) ([]models.Regulator, error) {
	rows, err := d.pool.Query(ctx, "SELECT id, title, sensor_id, channel, lower, upper, direction FROM regulators ORDER BY id")
	if err != nil {
		return nil, err
	}
	var (
		regulators []models.Regulator
		ids        []int64
	)
	for rows.Next() {
		var r models.Regulator
		if err := rows.Scan(&r.ID, &r.Title, &r.SensorID, &r.Channel, &r.Lower, &r.Upper, &r.Direction); err != nil {
			rows.Close()
			return nil, err
		}
		regulators = append(regulators, r)
		ids = append(ids, r.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil || len(ids) == 0 {
		return regulators, err
	}

	switches, err := d.ownedStrings(ctx, "SELECT regulator_id, switch_uid FROM regulator_switches WHERE regulator_id = ANY($1) ORDER BY switch_uid", ids)
	if err != nil {
		return nil, err
	}
	for i := range regulators {
		regulators[i].Switches = switches[regulators[i].ID]
	}
	return regulators, nil
}

// ListPremises fetches heated rooms with their controller and circuits
func (d *DB) ListPremises(ctx context.Context) ([]models.Premise, error) {
	rows, err := d.pool.Query(ctx, "SELECT id, title, thermostat, sensor_id, sensor_channel, controller_id FROM premises ORDER BY id")
	if err != nil {
		return nil, err
	}
	var (
		premises    []models.Premise
		controllers []*string
		ids         []int64
	)
	for rows.Next() {
		var (
			p                    models.Premise
			sensor, controllerID *string
		)
		if err := rows.Scan(&p.ID, &p.Title, &p.Thermostat, &sensor, &p.SensorChannel, &controllerID); err != nil {
			rows.Close()
			return nil, err
		}
		if sensor != nil {
			p.SensorID = *sensor
		}
		premises = append(premises, p)
		controllers = append(controllers, controllerID)
		ids = append(ids, p.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil || len(ids) == 0 {
		return premises, err
	}

	circuits, err := d.pool.Query(ctx, "SELECT id, premise_id, key FROM heating_circuits WHERE premise_id = ANY($1) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	byPremise := make(map[int64][]models.HeatingCircuit)
	for circuits.Next() {
		var (
			c       models.HeatingCircuit
			premise int64
		)
		if err := circuits.Scan(&c.ID, &premise, &c.Key); err != nil {
			circuits.Close()
			return nil, err
		}
		byPremise[premise] = append(byPremise[premise], c)
	}
	circuits.Close()
	if err := circuits.Err(); err != nil {
		return nil, err
	}

	for i := range premises {
		premises[i].Circuits = byPremise[premises[i].ID]
		if controllers[i] == nil {
			continue
		}
		controller, err := d.GetResource(ctx, *controllers[i])
		if err != nil {
			return nil, fmt.Errorf("premise %d: %w", premises[i].ID, err)
		}
		premises[i].Controller = &controller
	}
	return premises, nil
}
