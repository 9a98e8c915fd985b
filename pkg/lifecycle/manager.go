package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/gobeyondidentity/verdict/pkg/apierror"
	"github.com/gobeyondidentity/verdict/pkg/attestation"
	"github.com/gobeyondidentity/verdict/pkg/audit"
	"github.com/gobeyondidentity/verdict/pkg/credential"
	"github.com/gobeyondidentity/verdict/pkg/keymutex"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

// Status tells the caller whether a mutation was applied.
type Status int

const (
	// StatusApplied means the request was executed.
	StatusApplied Status = iota
	// StatusAlreadyProcessed means a request with the same cookie was
	// executed before. The stored result is returned.
	StatusAlreadyProcessed
	// StatusAlreadyAbsent means the entity to remove does not exist.
	StatusAlreadyAbsent
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusAlreadyProcessed:
		return "already processed"
	case StatusAlreadyAbsent:
		return "already absent"
	default:
		return "unknown"
	}
}

// DefaultTemplatePCRs are the registers captured by the template policy
// created at enrollment when the request names none.
var DefaultTemplatePCRs = []int{0, 1, 2, 3, 4, 5, 6, 7}

// Config configures a Manager.
type Config struct {
	TemplatePCRs []int
}

// Manager applies device and policy lifecycle operations.
type Manager struct {
	store        *store.Store
	engine       *attestation.Engine
	locks        *keymutex.KeyMutex
	issuer       *credential.Issuer
	emitter      audit.EventEmitter
	logger       *slog.Logger
	templatePCRs []int
}

// NewManager creates a manager. locks must be the table the engine uses.
// A nil issuer disables credential issuance at enrollment and resurrection.
func NewManager(st *store.Store, engine *attestation.Engine, locks *keymutex.KeyMutex, issuer *credential.Issuer, cfg Config, emitter audit.EventEmitter, logger *slog.Logger) *Manager {
	if len(cfg.TemplatePCRs) == 0 {
		cfg.TemplatePCRs = DefaultTemplatePCRs
	}
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        st,
		engine:       engine,
		locks:        locks,
		issuer:       issuer,
		emitter:      emitter,
		logger:       logger,
		templatePCRs: append([]int(nil), cfg.TemplatePCRs...),
	}
}

// ParseID parses a decimal entity id.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != s {
		return 0, fmt.Errorf("%q is not a valid id", s)
	}
	return id, nil
}

// FormatID formats an entity id for the wire.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

var errLockSetChanged = errors.New("lock set changed")

const maxLockAttempts = 5

// withDevices runs fn in a single transaction while holding the locks of
// every device discover returns. discover runs once before the locks are
// taken and again inside the transaction; if the second run names a device
// that is not locked, the locks are widened and the attempt is repeated.
func (m *Manager) withDevices(ctx context.Context, discover func(*store.Tx) ([]int64, error), fn func(*store.Tx) error) error {
	var ids []int64
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		ids, err = discover(tx)
		return err
	})
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		var grown []int64
		unlock := m.locks.LockAll(ids...)
		err := m.store.Update(ctx, func(tx *store.Tx) error {
			current, err := discover(tx)
			if err != nil {
				return err
			}
			if missing := difference(current, ids); len(missing) > 0 {
				grown = append(append([]int64(nil), ids...), missing...)
				return errLockSetChanged
			}
			return fn(tx)
		})
		unlock()

		if errors.Is(err, errLockSetChanged) && attempt < maxLockAttempts {
			m.logger.Debug("device set changed while locking, retrying", "attempt", attempt)
			ids = grown
			continue
		}
		return err
	}
}

func (m *Manager) emit(events ...audit.Event) {
	for _, ev := range events {
		if err := m.emitter.Emit(ev); err != nil {
			m.logger.Warn("failed to emit audit event", "type", ev.Type, "error", err)
		}
	}
}

// getDevice loads a device and maps a missing row to a not-found error at
// path.
func getDevice(tx *store.Tx, id int64, path string) (*store.Device, error) {
	d, err := tx.GetDevice(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound(path, "device %d not found", id)
	}
	return d, err
}

func getPolicy(tx *store.Tx, id int64, path string) (*store.Policy, error) {
	p, err := tx.GetPolicy(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound(path, "policy %d not found", id)
	}
	return p, err
}

// reappraise replays the latest verified report of each device against its
// current policies. Retired devices and devices that never produced a
// verified report are skipped.
func (m *Manager) reappraise(tx *store.Tx, ids []int64) ([]*attestation.Result, error) {
	var results []*attestation.Result
	now := m.engine.Now()
	for _, id := range ids {
		dev, err := tx.GetDevice(id)
		if err != nil {
			return nil, err
		}
		if dev.State == store.StateRetired {
			continue
		}
		cached := dev.LatestReport()
		if cached == nil {
			continue
		}
		res, err := m.engine.Reappraise(tx, dev, cached.Report, cached.Evidence, now)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// difference returns the ids in a that are not in b, sorted.
func difference(a, b []int64) []int64 {
	seen := make(map[int64]bool, len(b))
	for _, id := range b {
		seen[id] = true
	}
	var out []int64
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
