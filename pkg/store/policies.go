package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const policyColumns = `id, name, cookie, kind, valid_from, valid_until, revoked, pcr_template, fw_template, pcrs, firmware, fw_overrides, created_at`

func scanPolicy(row rowScanner) (*Policy, error) {
	var p Policy
	var cookie sql.NullString
	var kind string
	var validFrom, validUntil sql.NullInt64
	var pcrTemplate, fwTemplate, pcrs, firmware, overrides string
	var createdAt int64

	err := row.Scan(&p.ID, &p.Name, &cookie, &kind, &validFrom, &validUntil, &p.Revoked,
		&pcrTemplate, &fwTemplate, &pcrs, &firmware, &overrides, &createdAt)
	if err != nil {
		return nil, err
	}

	p.Cookie = cookie.String
	p.Kind = PolicyKind(kind)
	p.ValidFrom = timePtr(validFrom)
	p.ValidUntil = timePtr(validUntil)
	p.CreatedAt = fromMillis(createdAt)

	for _, f := range []struct {
		src string
		dst any
	}{
		{pcrTemplate, &p.PCRTemplate},
		{fwTemplate, &p.FWTemplate},
		{pcrs, &p.PCRs},
		{firmware, &p.Firmware},
		{overrides, &p.FWOverrides},
	} {
		if err := unmarshalJSON(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode policy %d: %w", p.ID, err)
		}
	}
	return &p, nil
}

// GetPolicy loads a policy with its bound devices and changes.
// Returns ErrNotFound if no such policy exists.
func (t *Tx) GetPolicy(id int64) (*Policy, error) {
	p, err := scanPolicy(t.queryRow(`SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	if p.Devices, err = t.queryIDs(`SELECT device_id FROM device_policies WHERE policy_id = ? ORDER BY device_id`, p.ID); err != nil {
		return nil, fmt.Errorf("failed to load policy devices: %w", err)
	}
	if p.Changes, err = t.changes("policy_id", p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// PolicyByCookie returns the policy created with the given idempotency
// cookie, or ErrNotFound.
func (t *Tx) PolicyByCookie(cookie string) (*Policy, error) {
	if cookie == "" {
		return nil, ErrNotFound
	}
	var id int64
	err := t.queryRow(`SELECT id FROM policies WHERE cookie = ?`, cookie).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up policy cookie: %w", err)
	}
	return t.GetPolicy(id)
}

// PoliciesForDevice returns every policy bound to a device in ascending id order.
func (t *Tx) PoliciesForDevice(deviceID int64) ([]*Policy, error) {
	ids, err := t.queryIDs(`SELECT policy_id FROM device_policies WHERE device_id = ? ORDER BY policy_id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device policies: %w", err)
	}
	return t.policiesByID(ids)
}

// ListPolicies returns up to limit policies ordered by descending id,
// starting after cursor, and the cursor of the next page.
func (t *Tx) ListPolicies(cursor string, limit int) ([]*Policy, string, error) {
	after, err := decodeCursor("p", cursor)
	if err != nil {
		return nil, "", err
	}
	limit = clampLimit(limit)

	ids, err := t.queryIDs(
		`SELECT id FROM policies WHERE (? = 0 OR id < ?) ORDER BY id DESC LIMIT ?`,
		after, after, limit+1,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list policies: %w", err)
	}

	var next string
	if len(ids) > limit {
		ids = ids[:limit]
		next = encodeCursor("p", ids[len(ids)-1])
	}

	policies, err := t.policiesByID(ids)
	if err != nil {
		return nil, "", err
	}
	return policies, next, nil
}

func (t *Tx) policiesByID(ids []int64) ([]*Policy, error) {
	policies := make([]*Policy, 0, len(ids))
	for _, id := range ids {
		p, err := t.GetPolicy(id)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// InsertPolicy stores a new policy and sets its ID and CreatedAt.
func (t *Tx) InsertPolicy(p *Policy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Kind == "" {
		p.Kind = PolicyConcrete
	}
	cols, err := encodePolicyColumns(p)
	if err != nil {
		return err
	}

	result, err := t.exec(
		`INSERT INTO policies (name, cookie, kind, valid_from, valid_until, revoked, pcr_template, fw_template, pcrs, firmware, fw_overrides, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, nullString(p.Cookie), string(p.Kind), nullMillis(p.ValidFrom), nullMillis(p.ValidUntil), p.Revoked,
		cols.pcrTemplate, cols.fwTemplate, cols.pcrs, cols.firmware, cols.overrides, millis(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read policy id: %w", err)
	}
	p.ID = id
	return nil
}

// SavePolicy writes the mutable fields of a policy. The cookie is write-once
// and revocation cannot be undone: a stored revoked flag stays set.
func (t *Tx) SavePolicy(p *Policy) error {
	cols, err := encodePolicyColumns(p)
	if err != nil {
		return err
	}

	result, err := t.exec(
		`UPDATE policies SET name = ?, kind = ?, valid_from = ?, valid_until = ?, revoked = (revoked OR ?),
		 pcr_template = ?, fw_template = ?, pcrs = ?, firmware = ?, fw_overrides = ?
		 WHERE id = ?`,
		p.Name, string(p.Kind), nullMillis(p.ValidFrom), nullMillis(p.ValidUntil), p.Revoked,
		cols.pcrTemplate, cols.fwTemplate, cols.pcrs, cols.firmware, cols.overrides, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

type policyColumnValues struct {
	pcrTemplate, fwTemplate, pcrs, firmware, overrides string
}

func encodePolicyColumns(p *Policy) (policyColumnValues, error) {
	var cols policyColumnValues
	var err error

	pcrTemplate := p.PCRTemplate
	if pcrTemplate == nil {
		pcrTemplate = []int{}
	}
	fwTemplate := p.FWTemplate
	if fwTemplate == nil {
		fwTemplate = []string{}
	}
	pcrs := p.PCRs
	if pcrs == nil {
		pcrs = map[int]string{}
	}
	overrides := p.FWOverrides
	if overrides == nil {
		overrides = []string{}
	}

	if cols.pcrTemplate, err = marshalJSON(pcrTemplate); err != nil {
		return cols, fmt.Errorf("failed to encode pcr template: %w", err)
	}
	if cols.fwTemplate, err = marshalJSON(fwTemplate); err != nil {
		return cols, fmt.Errorf("failed to encode firmware template: %w", err)
	}
	if cols.pcrs, err = marshalJSON(pcrs); err != nil {
		return cols, fmt.Errorf("failed to encode pcrs: %w", err)
	}
	if cols.firmware, err = marshalJSON(nonNilMap(p.Firmware)); err != nil {
		return cols, fmt.Errorf("failed to encode firmware: %w", err)
	}
	if cols.overrides, err = marshalJSON(overrides); err != nil {
		return cols, fmt.Errorf("failed to encode overrides: %w", err)
	}
	return cols, nil
}
