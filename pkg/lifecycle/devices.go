package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/gobeyondidentity/verdict/pkg/apierror"
	"github.com/gobeyondidentity/verdict/pkg/attestation"
	"github.com/gobeyondidentity/verdict/pkg/audit"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

// DeviceOp is one operation of a device patch.
type DeviceOp interface {
	deviceOp()
}

// RenameDevice sets the display name.
type RenameDevice struct{ Name string }

// SetAttribute adds or replaces an attribute.
type SetAttribute struct{ Key, Value string }

// DeleteAttribute removes an attribute.
type DeleteAttribute struct{ Key string }

// SetDeviceState requests a state. Only retired, or the current state, is
// accepted.
type SetDeviceState struct{ State store.DeviceState }

func (RenameDevice) deviceOp()    {}
func (SetAttribute) deviceOp()    {}
func (DeleteAttribute) deviceOp() {}
func (SetDeviceState) deviceOp()  {}

// ParseDevicePatch decodes a device patch body into operations. The body may
// carry "name", "attributes" (a null value deletes the attribute) and
// "state". Any other member is rejected.
func ParseDevicePatch(body []byte) ([]DeviceOp, error) {
	f, err := parseFields(body, "name", "attributes", "state")
	if err != nil {
		return nil, err
	}

	var ops []DeviceOp
	if f.has("name") {
		ops = append(ops, RenameDevice{Name: f.text("name", true)})
	}

	if f.has("attributes") {
		var attrs map[string]*string
		if err := json.Unmarshal(f.raw["attributes"], &attrs); err != nil {
			f.fail("/attributes", "attributes must be an object of strings or nulls")
		}
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == "" {
				f.fail("/attributes/", "attribute name must not be empty")
				continue
			}
			if v := attrs[k]; v != nil {
				ops = append(ops, SetAttribute{Key: k, Value: *v})
			} else {
				ops = append(ops, DeleteAttribute{Key: k})
			}
		}
	}

	if f.has("state") {
		state := store.DeviceState(f.text("state", true))
		if state != "" && !state.Valid() {
			f.fail("/state", "unknown state %q", state)
		}
		ops = append(ops, SetDeviceState{State: state})
	}

	if err := f.err(); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, apierror.List{apierror.Invalid("", "patch contains no changes")}
	}
	return ops, nil
}

// PatchDevice applies a device patch atomically. The whole patch is checked
// against the device before anything is written.
func (m *Manager) PatchDevice(ctx context.Context, id int64, ops []DeviceOp, actor string) (*store.Device, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	var out *store.Device
	var events []audit.Event
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		dev, err := getDevice(tx, id, "")
		if err != nil {
			return err
		}

		retire := false
		for _, op := range ops {
			if s, ok := op.(SetDeviceState); ok {
				switch s.State {
				case dev.State, dev.DisplayState():
				case store.StateRetired:
					retire = true
				default:
					return apierror.Logic("state can only be changed to %s", store.StateRetired)
				}
			}
		}

		var changes []store.Change
		renamed, tagged := false, false
		if dev.Attributes == nil {
			dev.Attributes = map[string]string{}
		}
		for _, op := range ops {
			switch op := op.(type) {
			case RenameDevice:
				if op.Name != dev.Name {
					dev.Name = op.Name
					renamed = true
				}
			case SetAttribute:
				if cur, ok := dev.Attributes[op.Key]; !ok || cur != op.Value {
					dev.Attributes[op.Key] = op.Value
					tagged = true
				}
			case DeleteAttribute:
				if _, ok := dev.Attributes[op.Key]; ok {
					delete(dev.Attributes, op.Key)
					tagged = true
				}
			case SetDeviceState:
			}
		}
		if renamed {
			changes = append(changes, store.Change{Type: store.ChangeRename, Actor: actor, Comment: dev.Name})
		}
		if tagged {
			changes = append(changes, store.Change{Type: store.ChangeTag, Actor: actor})
		}
		if retire {
			dev.State = store.StateRetired
			changes = append(changes, store.Change{Type: store.ChangeRetire, Actor: actor})
			events = append(events, audit.NewDeviceRetire(actor, dev.ID))
		}

		if len(changes) > 0 {
			if err := tx.SaveDevice(dev); err != nil {
				return err
			}
			for _, c := range changes {
				if err := tx.AppendDeviceChange(dev.ID, c); err != nil {
					return err
				}
			}
		}

		out, err = tx.GetDevice(id)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.emit(events...)
	return out, nil
}

// ResurrectResult is the outcome of a resurrection.
type ResurrectResult struct {
	Old      *store.Device
	New      *store.Device
	Policies []*store.Policy // policies whose device list changed
	// Appraisal is the appraisal seeded from the old device's last verified
	// report, nil when there was none.
	Appraisal *store.Appraisal
	// Credential is the attestation credential of the new device. The old
	// device's credential keeps naming the retired id.
	Credential string
}

// Resurrect creates a replacement for a retired device that has not been
// replaced yet. The new device inherits the old device's identity and policy
// bindings and is appraised against the old device's latest verified report.
// Every write happens in one transaction.
func (m *Manager) Resurrect(ctx context.Context, id int64, actor string) (*ResurrectResult, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	res := &ResurrectResult{}
	var appraised *attestation.Result
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		old, err := getDevice(tx, id, "")
		if err != nil {
			return err
		}
		if old.State != store.StateRetired {
			return apierror.Logic("device is not retired")
		}
		if len(old.ReplacedBy) > 0 {
			return apierror.Logic("device cannot be resurrected")
		}

		dev := &store.Device{
			HWID:       old.HWID,
			Name:       old.Name,
			Attributes: copyAttributes(old.Attributes),
			State:      store.StateUnseen,
			PublicKey:  append([]byte(nil), old.PublicKey...),
			LastNonce:  append([]byte(nil), old.LastNonce...),
		}
		if old.LastQuoteAt != nil {
			at := *old.LastQuoteAt
			dev.LastQuoteAt = &at
		}
		if err := tx.InsertDevice(dev); err != nil {
			return err
		}
		err = tx.AppendDeviceChange(dev.ID, store.Change{
			Type:    store.ChangeResurrect,
			Actor:   actor,
			Comment: fmt.Sprintf("replaces device %d", old.ID),
		})
		if err != nil {
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

		var changed []int64
		for _, pid := range old.Policies {
			bound, err := tx.Bind(dev.ID, pid)
			if err != nil {
				return err
			}
			if bound {
				changed = append(changed, pid)
			}
		}

		if cached := old.LatestReport(); cached != nil {
			appraised, err = m.engine.Reappraise(tx, dev, cached.Report, cached.Evidence, m.engine.Now())
			if err != nil {
				return err
			}
			res.Appraisal = appraised.Appraisal
		}

		if res.Old, err = tx.GetDevice(old.ID); err != nil {
			return err
		}
		if res.New, err = tx.GetDevice(dev.ID); err != nil {
			return err
		}
		for _, pid := range changed {
			p, err := tx.GetPolicy(pid)
			if err != nil {
				return err
			}
			res.Policies = append(res.Policies, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.issuer != nil {
		res.Credential, err = m.issuer.Issue(res.New.ID, m.engine.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to issue credential: %w", err)
		}
	}

	m.engine.Publish(appraised)
	m.emit(audit.NewDeviceResurrect(actor, res.Old.ID, res.New.ID, string(res.New.State)))
	m.logger.Info("device resurrected", "old_id", res.Old.ID, "new_id", res.New.ID, "state", res.New.State, "actor", actor)
	return res, nil
}

// Device returns one device.
func (m *Manager) Device(ctx context.Context, id int64) (*store.Device, error) {
	var dev *store.Device
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		dev, err = getDevice(tx, id, "")
		return err
	})
	return dev, err
}

// Devices returns a page of devices, newest first.
func (m *Manager) Devices(ctx context.Context, cursor string, limit int) ([]*store.Device, string, error) {
	var devices []*store.Device
	var next string
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		devices, next, err = tx.ListDevices(cursor, limit)
		return err
	})
	if errors.Is(err, store.ErrInvalidCursor) {
		return nil, "", apierror.List{apierror.Invalid("/i", "invalid cursor")}
	}
	return devices, next, err
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
