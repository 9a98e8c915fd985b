package store

import (
	"fmt"
	"time"
)

// AppendDeviceChange appends a change to a device's audit trail.
func (t *Tx) AppendDeviceChange(deviceID int64, c Change) error {
	return t.appendChange("device_id", deviceID, c)
}

// AppendPolicyChange appends a change to a policy's audit trail.
func (t *Tx) AppendPolicyChange(policyID int64, c Change) error {
	return t.appendChange("policy_id", policyID, c)
}

// owner is one of the two fixed column names above, never user input.
func (t *Tx) appendChange(owner string, id int64, c Change) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	if c.Actor == "" {
		c.Actor = "system"
	}
	_, err := t.exec(
		`INSERT INTO changes (`+owner+`, type, timestamp, actor, comment) VALUES (?, ?, ?, ?, ?)`,
		id, string(c.Type), millis(c.Timestamp), c.Actor, c.Comment,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s change: %w", c.Type, err)
	}
	return nil
}

func (t *Tx) changes(owner string, id int64) ([]Change, error) {
	rows, err := t.query(
		`SELECT type, timestamp, actor, comment FROM changes WHERE `+owner+` = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var typ string
		var ts int64
		if err := rows.Scan(&typ, &ts, &c.Actor, &c.Comment); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Type = ChangeType(typ)
		c.Timestamp = fromMillis(ts)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
