package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gobeyondidentity/verdict/pkg/audit"
	"github.com/gobeyondidentity/verdict/pkg/credential"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

// EnrollRequest registers a device.
type EnrollRequest struct {
	Name        string
	HWID        string
	Cookie      string
	PublicKey   []byte // PKIX DER of the quote signing key, nil if not known yet
	PCRTemplate []int
	FWTemplate  []string
}

// ParseEnrollRequest decodes and validates an enrollment body.
func ParseEnrollRequest(body []byte) (*EnrollRequest, error) {
	f, err := parseFields(body, "name", "hwid", "cookie", "public_key", "pcr_template", "fw_template")
	if err != nil {
		return nil, err
	}

	req := &EnrollRequest{
		Name:   f.text("name", true),
		HWID:   f.text("hwid", true),
		Cookie: f.text("cookie", true),
	}
	if pem := f.text("public_key", false); pem != "" {
		key, err := credential.ParseQuoteKey([]byte(pem))
		if err != nil {
			f.fail("/public_key", "%v", err)
		} else if req.PublicKey, err = credential.MarshalQuoteKey(key); err != nil {
			f.fail("/public_key", "%v", err)
		}
	}
	req.PCRTemplate, _ = f.pcrIndices("pcr_template")
	req.FWTemplate = firmwarePaths(f, "fw_template")

	if err := f.err(); err != nil {
		return nil, err
	}
	return req, nil
}

// EnrollResult is the outcome of an enrollment.
type EnrollResult struct {
	Status   Status
	Device   *store.Device
	Policies []*store.Policy
	// Replaced are the devices with the same hardware id that the new
	// device replaced.
	Replaced   []*store.Device
	Credential string
}

// Enroll creates a device with a template policy awaiting its first report.
//
// Earlier devices with the same hardware id that have not been replaced yet
// are retired and linked to the new device. A request whose cookie matches
// an enrolled device is not executed again: that device is returned with
// StatusAlreadyProcessed and a fresh credential.
func (m *Manager) Enroll(ctx context.Context, req *EnrollRequest, actor string) (*EnrollResult, error) {
	res := &EnrollResult{}
	var events []audit.Event

	discover := func(tx *store.Tx) ([]int64, error) {
		previous, err := tx.DevicesByHWID(req.HWID)
		if err != nil {
			return nil, err
		}
		var ids []int64
		for _, d := range previous {
			if len(d.ReplacedBy) == 0 {
				ids = append(ids, d.ID)
			}
		}
		return ids, nil
	}

	err := m.withDevices(ctx, discover, func(tx *store.Tx) error {
		*res = EnrollResult{}
		events = nil

		existing, err := tx.DeviceByCookie(req.Cookie)
		if err == nil {
			res.Status = StatusAlreadyProcessed
			res.Device = existing
			res.Policies, err = tx.PoliciesForDevice(existing.ID)
			return err
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		previous, err := discover(tx)
		if err != nil {
			return err
		}

		dev := &store.Device{
			Name:      req.Name,
			HWID:      req.HWID,
			Cookie:    req.Cookie,
			State:     store.StateNew,
			PublicKey: req.PublicKey,
		}
		if len(dev.PublicKey) > 0 {
			dev.State = store.StateUnseen
		}
		if err := tx.InsertDevice(dev); err != nil {
			return err
		}
		if err := tx.AppendDeviceChange(dev.ID, store.Change{Type: store.ChangeEnroll, Actor: actor}); err != nil {
			return err
		}

		for _, oldID := range previous {
			old, err := tx.GetDevice(oldID)
			if err != nil {
				return err
			}
			old.State = store.StateRetired
			if err := tx.SaveDevice(old); err != nil {
				return err
			}
			if err := tx.AddReplacement(old.ID, dev.ID); err != nil {
				return err
			}
			err = tx.AppendDeviceChange(old.ID, store.Change{
				Type:    store.ChangeRetire,
				Actor:   actor,
				Comment: fmt.Sprintf("replaced by device %d", dev.ID),
			})
			if err != nil {
				return err
			}
			events = append(events, audit.NewDeviceRetire(actor, old.ID))
		}

		policy := &store.Policy{
			Name:        fmt.Sprintf("Template policy for %s", req.Name),
			Kind:        store.PolicyTemplate,
			PCRTemplate: req.PCRTemplate,
			FWTemplate:  req.FWTemplate,
		}
		if len(policy.PCRTemplate) == 0 {
			policy.PCRTemplate = append([]int(nil), m.templatePCRs...)
		}
		if err := tx.InsertPolicy(policy); err != nil {
			return err
		}
		if err := tx.AppendPolicyChange(policy.ID, store.Change{Type: store.ChangeTemplate, Actor: actor}); err != nil {
			return err
		}
		if _, err := tx.Bind(dev.ID, policy.ID); err != nil {
			return err
		}

		res.Status = StatusApplied
		if res.Device, err = tx.GetDevice(dev.ID); err != nil {
			return err
		}
		if res.Policies, err = tx.PoliciesForDevice(dev.ID); err != nil {
			return err
		}
		for _, oldID := range previous {
			old, err := tx.GetDevice(oldID)
			if err != nil {
				return err
			}
			res.Replaced = append(res.Replaced, old)
		}
		events = append(events,
			audit.NewDeviceEnroll(actor, dev.ID, dev.HWID, len(previous)),
			audit.NewPolicyCreate(actor, policy.ID, string(policy.Kind), 1),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.issuer != nil {
		res.Credential, err = m.issuer.Issue(res.Device.ID, m.engine.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to issue credential: %w", err)
		}
	}

	m.emit(events...)
	if res.Status == StatusApplied {
		m.logger.Info("device enrolled", "device_id", res.Device.ID, "state", res.Device.State, "replaced", len(res.Replaced), "actor", actor)
	}
	return res, nil
}

// firmwarePaths decodes a list of firmware fact paths.
func firmwarePaths(f *fields, key string) []string {
	paths, _ := f.stringList(key)
	for i, p := range paths {
		if !strings.HasPrefix(p, "/") {
			f.fail(fmt.Sprintf("/%s/%d", key, i), "firmware path must start with /")
		}
	}
	return paths
}
