package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gobeyondidentity/verdict/pkg/apierror"
	"github.com/gobeyondidentity/verdict/pkg/audit"
	"github.com/gobeyondidentity/verdict/pkg/keymutex"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

// DefaultAppraisalTTL is how long an appraisal is considered current.
const DefaultAppraisalTTL = 24 * time.Hour

// EngineConfig configures an Engine.
type EngineConfig struct {
	AppraisalTTL time.Duration
	Validator    ValidatorConfig
}

// Result is the outcome of one appraisal.
type Result struct {
	Appraisal *store.Appraisal
	Device    *store.Device
	// Policy is the resolved policy after matching. For a template it is the
	// instantiated concrete policy.
	Policy       *store.Policy
	Instantiated bool

	events []audit.Event
}

// Engine appraises evidence and records the outcome.
type Engine struct {
	store     *store.Store
	locks     *keymutex.KeyMutex
	validator *Validator
	emitter   audit.EventEmitter
	logger    *slog.Logger
	ttl       time.Duration
	now       func() time.Time
}

// NewEngine creates an engine. The lock table must be shared with every
// other component that mutates devices.
func NewEngine(st *store.Store, locks *keymutex.KeyMutex, cfg EngineConfig, emitter audit.EventEmitter, logger *slog.Logger) *Engine {
	if cfg.AppraisalTTL <= 0 {
		cfg.AppraisalTTL = DefaultAppraisalTTL
	}
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		locks:     locks,
		validator: NewValidator(cfg.Validator),
		emitter:   emitter,
		logger:    logger,
		ttl:       cfg.AppraisalTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Submit appraises evidence reported by a device.
//
// Malformed bundles, unknown devices and retired devices are rejected with
// an apierror and leave no trace. Every other submission yields exactly one
// appraisal, with a false verdict and a single synthetic annotation when the
// evidence could not be verified or no policy applies.
func (e *Engine) Submit(ctx context.Context, deviceID int64, ev *Evidence) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(deviceID)
	defer unlock()

	var dev *store.Device
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		dev, err = tx.GetDevice(deviceID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("", "device %d not found", deviceID)
	}
	if err != nil {
		return nil, err
	}
	if dev.State == store.StateRetired {
		return nil, apierror.Logic("device %d is retired", deviceID)
	}

	now := e.now()
	verified, verr := e.verify(ctx, dev, ev, now)

	var res *Result
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		if verr != nil {
			appraisal := e.newAppraisal(dev.ID, Reference(ev), now)
			res, err = e.fail(tx, dev, appraisal, verr)
			return err
		}

		res, err = e.appraise(tx, dev, &verified.Report, verified.Ref, now)
		if err != nil {
			return err
		}
		quotedAt := verified.Report.QuotedAt
		dev.LastQuoteAt = &quotedAt
		dev.LastNonce = verified.Report.Nonce
		return tx.SaveDevice(dev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record appraisal: %w", err)
	}

	e.Publish(res)
	return res, nil
}

// Reappraise replays a cached verified report for dev inside the caller's
// transaction. The caller must hold dev's lock and call Publish after the
// transaction commits. Freshness markers are left alone.
func (e *Engine) Reappraise(tx *store.Tx, dev *store.Device, report *store.Report, ref store.EvidenceRef, at time.Time) (*Result, error) {
	return e.appraise(tx, dev, report, ref, at)
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Publish emits the audit events collected for committed results.
func (e *Engine) Publish(results ...*Result) {
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, ev := range r.events {
			if err := e.emitter.Emit(ev); err != nil {
				e.logger.Warn("failed to emit audit event", "type", ev.Type, "error", err)
			}
		}
		r.events = nil

		a := r.Appraisal
		e.logger.Info("appraisal recorded",
			"device_id", a.DeviceID,
			"appraisal_id", a.ID,
			"policy_id", a.PolicyID,
			"verdict", a.Verdict,
			"annotations", len(a.Annotations),
			"state", r.Device.State,
		)
	}
}

func (e *Engine) verify(ctx context.Context, dev *store.Device, ev *Evidence, now time.Time) (*Verified, error) {
	key, err := ResolveKey(dev)
	if err != nil {
		return nil, err
	}
	last := Freshness{QuotedAt: dev.LastQuoteAt, Nonce: dev.LastNonce}
	return e.validator.Verify(ctx, ev, key, last, now)
}

func (e *Engine) newAppraisal(deviceID int64, ref store.EvidenceRef, at time.Time) *store.Appraisal {
	return &store.Appraisal{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Received: at,
		Expires:  at.Add(e.ttl),
		Evidence: ref,
	}
}

// appraise resolves, matches and records a verified report.
func (e *Engine) appraise(tx *store.Tx, dev *store.Device, report *store.Report, ref store.EvidenceRef, at time.Time) (*Result, error) {
	appraisal := e.newAppraisal(dev.ID, ref, at)
	appraisal.Report = report

	policies, err := tx.PoliciesForDevice(dev.ID)
	if err != nil {
		return nil, err
	}
	policy, err := ResolvePolicy(policies, at)
	if err != nil {
		return e.fail(tx, dev, appraisal, err)
	}

	match := Match(report, policy)
	res := &Result{Device: dev, Policy: policy}
	if match.Instantiated != nil {
		if err := tx.SavePolicy(match.Instantiated); err != nil {
			return nil, err
		}
		err := tx.AppendPolicyChange(policy.ID, store.Change{
			Type:      store.ChangeTemplate,
			Timestamp: at,
			Comment:   fmt.Sprintf("instantiated from appraisal %s of device %d", appraisal.ID, dev.ID),
		})
		if err != nil {
			return nil, err
		}
		res.Policy = match.Instantiated
		res.Instantiated = true
		res.events = append(res.events, audit.NewPolicyInstantiate(policy.ID, dev.ID))
	}

	appraisal.PolicyID = policy.ID
	appraisal.Verdict = match.Verdict
	appraisal.Annotations = match.Annotations
	if err := e.record(tx, dev, appraisal, res); err != nil {
		return nil, err
	}
	return res, nil
}

// fail records a false verdict for evidence that could not be matched.
func (e *Engine) fail(tx *store.Tx, dev *store.Device, appraisal *store.Appraisal, cause error) (*Result, error) {
	appraisal.Verdict = false
	appraisal.Annotations = []store.Annotation{FailureAnnotation(cause)}
	e.logger.Debug("evidence rejected", "device_id", dev.ID, "error", cause)

	res := &Result{Device: dev}
	if err := e.record(tx, dev, appraisal, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) record(tx *store.Tx, dev *store.Device, appraisal *store.Appraisal, res *Result) error {
	if err := tx.AppendAppraisal(appraisal); err != nil {
		return err
	}
	if appraisal.Verdict {
		dev.State = store.StateTrusted
	} else {
		dev.State = store.StateVulnerable
	}
	dev.Appraisals = append(dev.Appraisals, *appraisal)
	if err := tx.SaveDevice(dev); err != nil {
		return err
	}

	res.Appraisal = appraisal
	res.events = append(res.events, audit.NewAppraisal(dev.ID, appraisal.ID, appraisal.PolicyID, appraisal.Verdict, len(appraisal.Annotations)))
	return nil
}
