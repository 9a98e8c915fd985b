package store

import (
	"database/sql"
	"fmt"
)

// AppendAppraisal stores an appraisal. Appraisals are never updated or
// deleted; the insertion sequence defines their order per device.
func (t *Tx) AppendAppraisal(a *Appraisal) error {
	if a.ID == "" {
		return fmt.Errorf("appraisal id is required")
	}
	evidence, err := marshalJSON(a.Evidence)
	if err != nil {
		return fmt.Errorf("failed to encode evidence reference: %w", err)
	}
	var report sql.NullString
	if a.Report != nil {
		s, err := marshalJSON(a.Report)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		report = sql.NullString{String: s, Valid: true}
	}
	annotations := a.Annotations
	if annotations == nil {
		annotations = []Annotation{}
	}
	annotationsJSON, err := marshalJSON(annotations)
	if err != nil {
		return fmt.Errorf("failed to encode annotations: %w", err)
	}
	var policyID sql.NullInt64
	if a.PolicyID != 0 {
		policyID = sql.NullInt64{Int64: a.PolicyID, Valid: true}
	}

	_, err = t.exec(
		`INSERT INTO appraisals (id, device_id, policy_id, received, expires, verdict, evidence, report, annotations)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeviceID, policyID, millis(a.Received), millis(a.Expires), a.Verdict,
		evidence, report, annotationsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to append appraisal: %w", err)
	}
	return nil
}

// AppraisalsForDevice returns a device's appraisals, oldest first.
func (t *Tx) AppraisalsForDevice(deviceID int64) ([]Appraisal, error) {
	rows, err := t.query(
		`SELECT id, device_id, policy_id, received, expires, verdict, evidence, report, annotations
		 FROM appraisals WHERE device_id = ? ORDER BY seq`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load appraisals: %w", err)
	}
	defer rows.Close()

	var appraisals []Appraisal
	for rows.Next() {
		var a Appraisal
		var policyID sql.NullInt64
		var received, expires int64
		var evidence, annotations string
		var report sql.NullString

		if err := rows.Scan(&a.ID, &a.DeviceID, &policyID, &received, &expires, &a.Verdict, &evidence, &report, &annotations); err != nil {
			return nil, fmt.Errorf("failed to scan appraisal: %w", err)
		}
		a.PolicyID = policyID.Int64
		a.Received = fromMillis(received)
		a.Expires = fromMillis(expires)
		if err := unmarshalJSON(evidence, &a.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence reference: %w", err)
		}
		if report.Valid {
			a.Report = &Report{}
			if err := unmarshalJSON(report.String, a.Report); err != nil {
				return nil, fmt.Errorf("failed to decode report: %w", err)
			}
		}
		if err := unmarshalJSON(annotations, &a.Annotations); err != nil {
			return nil, fmt.Errorf("failed to decode annotations: %w", err)
		}
		appraisals = append(appraisals, a)
	}
	return appraisals, rows.Err()
}
