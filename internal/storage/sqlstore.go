package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// sqlStore implements Store against any database/sql driver whose
// schema matches the one init creates (sqlite.go/postgres.go/mysql.go each open
// their own *sql.DB and hand it here) — one table per entity type,
// a JSON blob column plus indexed id/address columns.
type sqlStore struct {
	db    *sql.DB
	ph    placeholderFunc
	mysql bool // MySQL lacks ON CONFLICT; it wants ON DUPLICATE KEY UPDATE
}

// placeholderFunc renders the nth (1-based) bound parameter in a
// dialect's query syntax — "?" for sqlite/mysql, "$n" for postgres.
type placeholderFunc func(n int) string

func questionPlaceholder(int) string { return "?" }

func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func newSQLStore(db *sql.DB, ph placeholderFunc, mysqlDialect bool) (*sqlStore, error) {
	s := &sqlStore{db: db, ph: ph, mysql: mysqlDialect}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// upsertClause renders the dialect-appropriate "on conflict, update
// these columns from the incoming row" suffix for an INSERT statement.
func (s *sqlStore) upsertClause(conflictCols, updateCols []string) string {
	if s.mysql {
		set := ""
		for i, c := range updateCols {
			if i > 0 {
				set += ", "
			}
			set += c + " = VALUES(" + c + ")"
		}
		return "ON DUPLICATE KEY UPDATE " + set
	}

	conflict := ""
	for i, c := range conflictCols {
		if i > 0 {
			conflict += ", "
		}
		conflict += c
	}
	set := ""
	for i, c := range updateCols {
		if i > 0 {
			set += ", "
		}
		set += c + " = excluded." + c
	}
	return "ON CONFLICT(" + conflict + ") DO UPDATE SET " + set
}

func (s *sqlStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lights (
			id TEXT PRIMARY KEY, ext_addr BIGINT, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS sensors (
			id TEXT PRIMARY KEY, ext_addr BIGINT, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS groups_ (
			id TEXT PRIMARY KEY, address INTEGER, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS scenes (
			group_address INTEGER NOT NULL, scene_id INTEGER NOT NULL,
			data TEXT NOT NULL, PRIMARY KEY (group_address, scene_id))`,
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: create schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

// --- lights ---

func (s *sqlStore) SaveLight(l *Light) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("storage: marshal light: %w", err)
	}
	query := fmt.Sprintf(
		`INSERT INTO lights (id, ext_addr, data) VALUES (%s, %s, %s) %s`,
		s.ph(1), s.ph(2), s.ph(3), s.upsertClause([]string{"id"}, []string{"ext_addr", "data"}))
	_, err = s.db.Exec(query, l.ID, l.ExtAddr, string(data))
	if err != nil {
		return fmt.Errorf("storage: save light: %w", err)
	}
	return nil
}

func (s *sqlStore) GetLight(id string) (*Light, error) {
	query := fmt.Sprintf(`SELECT data FROM lights WHERE id = %s`, s.ph(1))
	var data string
	if err := s.db.QueryRow(query, id).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("storage: light not found: %s", id)
		}
		return nil, fmt.Errorf("storage: get light: %w", err)
	}
	var l Light
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return nil, fmt.Errorf("storage: unmarshal light: %w", err)
	}
	return &l, nil
}

func (s *sqlStore) ListLights() ([]*Light, error) {
	rows, err := s.db.Query(`SELECT data FROM lights`)
	if err != nil {
		return nil, fmt.Errorf("storage: list lights: %w", err)
	}
	defer rows.Close()

	out := []*Light{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var l Light
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			continue
		}
		out = append(out, &l)
	}
	return out, nil
}

func (s *sqlStore) DeleteLight(id string) error {
	query := fmt.Sprintf(`DELETE FROM lights WHERE id = %s`, s.ph(1))
	_, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("storage: delete light: %w", err)
	}
	return nil
}

// --- sensors ---

func (s *sqlStore) SaveSensor(sn *Sensor) error {
	data, err := json.Marshal(sn)
	if err != nil {
		return fmt.Errorf("storage: marshal sensor: %w", err)
	}
	query := fmt.Sprintf(
		`INSERT INTO sensors (id, ext_addr, data) VALUES (%s, %s, %s) %s`,
		s.ph(1), s.ph(2), s.ph(3), s.upsertClause([]string{"id"}, []string{"ext_addr", "data"}))
	_, err = s.db.Exec(query, sn.ID, sn.ExtAddr, string(data))
	if err != nil {
		return fmt.Errorf("storage: save sensor: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSensor(id string) (*Sensor, error) {
	query := fmt.Sprintf(`SELECT data FROM sensors WHERE id = %s`, s.ph(1))
	var data string
	if err := s.db.QueryRow(query, id).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("storage: sensor not found: %s", id)
		}
		return nil, fmt.Errorf("storage: get sensor: %w", err)
	}
	var sn Sensor
	if err := json.Unmarshal([]byte(data), &sn); err != nil {
		return nil, fmt.Errorf("storage: unmarshal sensor: %w", err)
	}
	return &sn, nil
}

func (s *sqlStore) ListSensors() ([]*Sensor, error) {
	rows, err := s.db.Query(`SELECT data FROM sensors`)
	if err != nil {
		return nil, fmt.Errorf("storage: list sensors: %w", err)
	}
	defer rows.Close()

	out := []*Sensor{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var sn Sensor
		if err := json.Unmarshal([]byte(data), &sn); err != nil {
			continue
		}
		out = append(out, &sn)
	}
	return out, nil
}

func (s *sqlStore) DeleteSensor(id string) error {
	query := fmt.Sprintf(`DELETE FROM sensors WHERE id = %s`, s.ph(1))
	_, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("storage: delete sensor: %w", err)
	}
	return nil
}

// --- groups ---

func (s *sqlStore) SaveGroup(g *Group) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("storage: marshal group: %w", err)
	}
	query := fmt.Sprintf(
		`INSERT INTO groups_ (id, address, data) VALUES (%s, %s, %s) %s`,
		s.ph(1), s.ph(2), s.ph(3), s.upsertClause([]string{"id"}, []string{"address", "data"}))
	_, err = s.db.Exec(query, g.ID, g.Address, string(data))
	if err != nil {
		return fmt.Errorf("storage: save group: %w", err)
	}
	return nil
}

func (s *sqlStore) GetGroup(id string) (*Group, error) {
	query := fmt.Sprintf(`SELECT data FROM groups_ WHERE id = %s`, s.ph(1))
	var data string
	if err := s.db.QueryRow(query, id).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("storage: group not found: %s", id)
		}
		return nil, fmt.Errorf("storage: get group: %w", err)
	}
	var g Group
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("storage: unmarshal group: %w", err)
	}
	return &g, nil
}

func (s *sqlStore) ListGroups() ([]*Group, error) {
	rows, err := s.db.Query(`SELECT data FROM groups_`)
	if err != nil {
		return nil, fmt.Errorf("storage: list groups: %w", err)
	}
	defer rows.Close()

	out := []*Group{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var g Group
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			continue
		}
		out = append(out, &g)
	}
	return out, nil
}

func (s *sqlStore) DeleteGroup(id string) error {
	query := fmt.Sprintf(`DELETE FROM groups_ WHERE id = %s`, s.ph(1))
	_, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("storage: delete group: %w", err)
	}
	return nil
}

// --- scenes ---

func (s *sqlStore) SaveScene(sc *Scene) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("storage: marshal scene: %w", err)
	}
	query := fmt.Sprintf(
		`INSERT INTO scenes (group_address, scene_id, data) VALUES (%s, %s, %s) %s`,
		s.ph(1), s.ph(2), s.ph(3), s.upsertClause([]string{"group_address", "scene_id"}, []string{"data"}))
	_, err = s.db.Exec(query, sc.GroupAddress, sc.ID, string(data))
	if err != nil {
		return fmt.Errorf("storage: save scene: %w", err)
	}
	return nil
}

func (s *sqlStore) GetScene(groupAddr uint16, id uint8) (*Scene, error) {
	query := fmt.Sprintf(`SELECT data FROM scenes WHERE group_address = %s AND scene_id = %s`, s.ph(1), s.ph(2))
	var data string
	if err := s.db.QueryRow(query, groupAddr, id).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("storage: scene not found: %d/%d", groupAddr, id)
		}
		return nil, fmt.Errorf("storage: get scene: %w", err)
	}
	var sc Scene
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return nil, fmt.Errorf("storage: unmarshal scene: %w", err)
	}
	return &sc, nil
}

func (s *sqlStore) ListScenes(groupAddr uint16) ([]*Scene, error) {
	query := fmt.Sprintf(`SELECT data FROM scenes WHERE group_address = %s`, s.ph(1))
	rows, err := s.db.Query(query, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("storage: list scenes: %w", err)
	}
	defer rows.Close()

	out := []*Scene{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var sc Scene
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			continue
		}
		out = append(out, &sc)
	}
	return out, nil
}

func (s *sqlStore) DeleteScene(groupAddr uint16, id uint8) error {
	query := fmt.Sprintf(`DELETE FROM scenes WHERE group_address = %s AND scene_id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.Exec(query, groupAddr, id)
	if err != nil {
		return fmt.Errorf("storage: delete scene: %w", err)
	}
	return nil
}

// --- rules ---

func (s *sqlStore) SaveRule(r *Rule) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("storage: marshal rule: %w", err)
	}
	query := fmt.Sprintf(
		`INSERT INTO rules (id, data) VALUES (%s, %s) %s`,
		s.ph(1), s.ph(2), s.upsertClause([]string{"id"}, []string{"data"}))
	_, err = s.db.Exec(query, r.ID, string(data))
	if err != nil {
		return fmt.Errorf("storage: save rule: %w", err)
	}
	return nil
}

func (s *sqlStore) GetRule(id string) (*Rule, error) {
	query := fmt.Sprintf(`SELECT data FROM rules WHERE id = %s`, s.ph(1))
	var data string
	if err := s.db.QueryRow(query, id).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("storage: rule not found: %s", id)
		}
		return nil, fmt.Errorf("storage: get rule: %w", err)
	}
	var r Rule
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("storage: unmarshal rule: %w", err)
	}
	return &r, nil
}

func (s *sqlStore) ListRules() ([]*Rule, error) {
	rows, err := s.db.Query(`SELECT data FROM rules`)
	if err != nil {
		return nil, fmt.Errorf("storage: list rules: %w", err)
	}
	defer rows.Close()

	out := []*Rule{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var r Rule
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *sqlStore) DeleteRule(id string) error {
	query := fmt.Sprintf(`DELETE FROM rules WHERE id = %s`, s.ph(1))
	_, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("storage: delete rule: %w", err)
	}
	return nil
}
