package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const deviceColumns = `id, hwid, name, attributes, state, cookie, public_key, last_quote_at, last_nonce, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var attrs string
	var state string
	var cookie sql.NullString
	var lastQuoteAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&d.ID, &d.HWID, &d.Name, &attrs, &state, &cookie, &d.PublicKey, &lastQuoteAt, &d.LastNonce, &createdAt)
	if err != nil {
		return nil, err
	}

	d.State = DeviceState(state)
	d.Cookie = cookie.String
	d.LastQuoteAt = timePtr(lastQuoteAt)
	d.CreatedAt = fromMillis(createdAt)
	d.Attributes = map[string]string{}
	if err := unmarshalJSON(attrs, &d.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes of device %d: %w", d.ID, err)
	}
	return &d, nil
}

// GetDevice loads a device with its bindings, replacement links, changes
// and appraisals. Returns ErrNotFound if no such device exists.
func (t *Tx) GetDevice(id int64) (*Device, error) {
	d, err := scanDevice(t.queryRow(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if err := t.loadDeviceRelations(d); err != nil {
		return nil, err
	}
	return d, nil
}

// DeviceByCookie returns the device enrolled with the given idempotency
// cookie, or ErrNotFound.
func (t *Tx) DeviceByCookie(cookie string) (*Device, error) {
	if cookie == "" {
		return nil, ErrNotFound
	}
	var id int64
	err := t.queryRow(`SELECT id FROM devices WHERE cookie = ?`, cookie).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device cookie: %w", err)
	}
	return t.GetDevice(id)
}

// DevicesByHWID returns all devices sharing a hardware fingerprint, newest first.
func (t *Tx) DevicesByHWID(hwid string) ([]*Device, error) {
	if hwid == "" {
		return nil, nil
	}
	ids, err := t.queryIDs(`SELECT id FROM devices WHERE hwid = ? ORDER BY id DESC`, hwid)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices by hwid: %w", err)
	}
	return t.devicesByID(ids)
}

// ListDevices returns up to limit devices ordered by descending id, starting
// after cursor, and the cursor of the next page ("" on the last page).
func (t *Tx) ListDevices(cursor string, limit int) ([]*Device, string, error) {
	after, err := decodeCursor("d", cursor)
	if err != nil {
		return nil, "", err
	}
	limit = clampLimit(limit)

	ids, err := t.queryIDs(
		`SELECT id FROM devices WHERE (? = 0 OR id < ?) ORDER BY id DESC LIMIT ?`,
		after, after, limit+1,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list devices: %w", err)
	}

	var next string
	if len(ids) > limit {
		ids = ids[:limit]
		next = encodeCursor("d", ids[len(ids)-1])
	}

	devices, err := t.devicesByID(ids)
	if err != nil {
		return nil, "", err
	}
	return devices, next, nil
}

func (t *Tx) devicesByID(ids []int64) ([]*Device, error) {
	devices := make([]*Device, 0, len(ids))
	for _, id := range ids {
		d, err := t.GetDevice(id)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// InsertDevice stores a new device and sets its ID and CreatedAt.
func (t *Tx) InsertDevice(d *Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.State == "" {
		d.State = StateNew
	}
	attrs, err := marshalJSON(nonNilMap(d.Attributes))
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	result, err := t.exec(
		`INSERT INTO devices (hwid, name, attributes, state, cookie, public_key, last_quote_at, last_nonce, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.HWID, d.Name, attrs, string(d.State), nullString(d.Cookie), d.PublicKey,
		nullMillis(d.LastQuoteAt), d.LastNonce, millis(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert device: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read device id: %w", err)
	}
	d.ID = id
	return nil
}

// SaveDevice writes the mutable fields of a device. The hardware id and the
// cookie are write-once and left untouched.
func (t *Tx) SaveDevice(d *Device) error {
	attrs, err := marshalJSON(nonNilMap(d.Attributes))
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	result, err := t.exec(
		`UPDATE devices SET name = ?, attributes = ?, state = ?, public_key = ?, last_quote_at = ?, last_nonce = ?
		 WHERE id = ?`,
		d.Name, attrs, string(d.State), d.PublicKey, nullMillis(d.LastQuoteAt), d.LastNonce, d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d: %w", d.ID, ErrNotFound)
	}
	return nil
}

// AddReplacement records that newID replaces oldID. Both sides of the link
// are derived from this single row.
func (t *Tx) AddReplacement(oldID, newID int64) error {
	_, err := t.exec(`INSERT OR IGNORE INTO device_replacements (old_id, new_id) VALUES (?, ?)`, oldID, newID)
	if err != nil {
		return fmt.Errorf("failed to record replacement: %w", err)
	}
	return nil
}

// Bind associates a device with a policy. It reports whether the binding
// did not exist before.
func (t *Tx) Bind(deviceID, policyID int64) (bool, error) {
	result, err := t.exec(
		`INSERT OR IGNORE INTO device_policies (device_id, policy_id) VALUES (?, ?)`,
		deviceID, policyID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to bind device %d to policy %d: %w", deviceID, policyID, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Unbind removes a device/policy association. It reports whether a binding
// was removed.
func (t *Tx) Unbind(deviceID, policyID int64) (bool, error) {
	result, err := t.exec(
		`DELETE FROM device_policies WHERE device_id = ? AND policy_id = ?`,
		deviceID, policyID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to unbind device %d from policy %d: %w", deviceID, policyID, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (t *Tx) loadDeviceRelations(d *Device) error {
	var err error
	if d.Policies, err = t.queryIDs(`SELECT policy_id FROM device_policies WHERE device_id = ? ORDER BY policy_id`, d.ID); err != nil {
		return fmt.Errorf("failed to load device policies: %w", err)
	}
	if d.Replaces, err = t.queryIDs(`SELECT old_id FROM device_replacements WHERE new_id = ? ORDER BY old_id`, d.ID); err != nil {
		return fmt.Errorf("failed to load replaced devices: %w", err)
	}
	if d.ReplacedBy, err = t.queryIDs(`SELECT new_id FROM device_replacements WHERE old_id = ? ORDER BY new_id`, d.ID); err != nil {
		return fmt.Errorf("failed to load replacing devices: %w", err)
	}
	if d.Changes, err = t.changes("device_id", d.ID); err != nil {
		return err
	}
	if d.Appraisals, err = t.AppraisalsForDevice(d.ID); err != nil {
		return err
	}
	return nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
