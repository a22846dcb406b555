package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"poskeeper/internal/position"
)

const configColumns = `config_id, config_type, name, key_format, price_methods, scope, active, created_at, updated_at`

// ConfigsAll returns every position config, active or not.
func (d *DB) ConfigsAll() ([]position.Config, error) {
	return d.queryConfigs("1 = 1")
}

// ConfigsActive returns the active config set the cache serves from.
func (d *DB) ConfigsActive() ([]position.Config, error) {
	return d.queryConfigs("active = 1")
}

// ConfigByID returns one config, or nil when absent.
func (d *DB) ConfigByID(configID int64) (*position.Config, error) {
	configs, err := d.queryConfigs("config_id = ?", configID)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, nil
	}
	return &configs[0], nil
}

func (d *DB) queryConfigs(where string, args ...any) ([]position.Config, error) {
	rows, err := d.sql.Query(`
		SELECT `+configColumns+` FROM position_configs WHERE `+where+` ORDER BY config_id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query configs: %w", err)
	}
	defer rows.Close()

	var out []position.Config
	for rows.Next() {
		var c position.Config
		var configType, keyFormat, priceMethods, scope, createdAt, updatedAt string
		var active int
		if err := rows.Scan(&c.ConfigID, &configType, &c.Name, &keyFormat, &priceMethods,
			&scope, &active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		c.Type = position.ConfigType(configType)
		c.KeyFormat = position.KeyFormat(keyFormat)
		for _, m := range strings.Split(priceMethods, ",") {
			if m = strings.TrimSpace(m); m != "" {
				c.PriceMethods = append(c.PriceMethods, position.PriceMethod(m))
			}
		}
		if err := json.Unmarshal([]byte(scope), &c.Scope); err != nil {
			return nil, fmt.Errorf("config %d: %w", c.ConfigID, err)
		}
		c.Active = active != 0
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query configs: %w", err)
	}
	return out, nil
}

func validateConfig(c position.Config) error {
	if _, err := position.ParseConfigType(string(c.Type)); err != nil {
		return err
	}
	if _, err := position.ParseKeyFormat(string(c.KeyFormat)); err != nil {
		return err
	}
	if len(c.PriceMethods) == 0 {
		return fmt.Errorf("config %q: at least one price method required", c.Name)
	}
	for _, m := range c.PriceMethods {
		if _, err := position.ParsePriceMethod(string(m)); err != nil {
			return err
		}
	}
	if c.Name == "" {
		return fmt.Errorf("config: name required")
	}
	return nil
}

func joinMethods(methods []position.PriceMethod) string {
	parts := make([]string, len(methods))
	for i, m := range methods {
		parts[i] = string(m)
	}
	return strings.Join(parts, ",")
}

// CreateConfig inserts a new config. A duplicate (type, keyFormat, scope)
// violates the uniqueness constraint and fails this one operation.
func (d *DB) CreateConfig(c position.Config) (*position.Config, error) {
	if err := validateConfig(c); err != nil {
		return nil, err
	}
	now := fmtTime(d.now())
	res, err := d.sql.Exec(`
		INSERT INTO position_configs (config_type, name, key_format, price_methods, scope, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(c.Type), c.Name, string(c.KeyFormat), joinMethods(c.PriceMethods),
		c.Scope.CanonicalString(), boolInt(c.Active), now, now)
	if err != nil {
		return nil, fmt.Errorf("create config %q: %w", c.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create config %q: %w", c.Name, err)
	}
	return d.ConfigByID(id)
}

// UpdateConfig rewrites an existing config's mutable fields.
func (d *DB) UpdateConfig(c position.Config) (*position.Config, error) {
	if err := validateConfig(c); err != nil {
		return nil, err
	}
	res, err := d.sql.Exec(`
		UPDATE position_configs
		   SET config_type = ?, name = ?, key_format = ?, price_methods = ?, scope = ?, active = ?, updated_at = ?
		 WHERE config_id = ?
	`, string(c.Type), c.Name, string(c.KeyFormat), joinMethods(c.PriceMethods),
		c.Scope.CanonicalString(), boolInt(c.Active), fmtTime(d.now()), c.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("update config %d: %w", c.ConfigID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, sql.ErrNoRows
	}
	return d.ConfigByID(c.ConfigID)
}

// DeactivateConfig flips a config inactive; its calculated rows stay put but
// no new trades feed it.
func (d *DB) DeactivateConfig(configID int64) error {
	res, err := d.sql.Exec(`
		UPDATE position_configs SET active = 0, updated_at = ? WHERE config_id = ?
	`, fmtTime(d.now()), configID)
	if err != nil {
		return fmt.Errorf("deactivate config %d: %w", configID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
