package attestation

import (
	"context"
	"crypto/ecdsa"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeyondidentity/verdict/pkg/apierror"
	"github.com/gobeyondidentity/verdict/pkg/audit"
	"github.com/gobeyondidentity/verdict/pkg/credential"
	"github.com/gobeyondidentity/verdict/pkg/keymutex"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

type engineFixture struct {
	st      *store.Store
	engine  *Engine
	emitter *audit.MemoryEmitter
	key     *ecdsa.PrivateKey
	now     time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &engineFixture{
		st:      st,
		emitter: &audit.MemoryEmitter{},
		key:     newECDSAKey(t),
		now:     time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(st, keymutex.New(), EngineConfig{}, f.emitter, nil)
	f.engine.SetClock(func() time.Time { return f.now })
	return f
}

// addDevice stores an unseen device holding the fixture key, bound to the
// given policies.
func (f *engineFixture) addDevice(t *testing.T, policies ...*store.Policy) *store.Device {
	t.Helper()
	der, err := credential.MarshalQuoteKey(&f.key.PublicKey)
	require.NoError(t, err)

	dev := &store.Device{Name: "node", HWID: "hw-" + t.Name(), State: store.StateUnseen, PublicKey: der}
	err = f.st.Update(context.Background(), func(tx *store.Tx) error {
		if err := tx.InsertDevice(dev); err != nil {
			return err
		}
		for _, p := range policies {
			if p.ID == 0 {
				if err := tx.InsertPolicy(p); err != nil {
					return err
				}
			}
			if _, err := tx.Bind(dev.ID, p.ID); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return dev
}

// evidence advances the clock and signs a fresh quote over pcrs.
func (f *engineFixture) evidence(t *testing.T, pcrs map[int]string, fw map[string]string) *Evidence {
	t.Helper()
	f.now = f.now.Add(time.Minute)
	return signEvidence(t, f.key, AlgECDSASHA256, nil, f.now.Add(-time.Second), pcrs, fw)
}

func (f *engineFixture) device(t *testing.T, id int64) *store.Device {
	t.Helper()
	var d *store.Device
	err := f.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		d, err = tx.GetDevice(id)
		return err
	})
	require.NoError(t, err)
	return d
}

func (f *engineFixture) policy(t *testing.T, id int64) *store.Policy {
	t.Helper()
	var p *store.Policy
	err := f.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		p, err = tx.GetPolicy(id)
		return err
	})
	require.NoError(t, err)
	return p
}

func TestEngine_TemplateScenario(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	template := &store.Policy{Name: "template", Kind: store.PolicyTemplate, PCRTemplate: []int{0, 1}}
	dev := f.addDevice(t, template)

	t.Log("First evidence instantiates the template")
	res, err := f.engine.Submit(ctx, dev.ID, f.evidence(t, map[int]string{0: digest("aa"), 1: digest("bb"), 2: digest("cc")}, nil))
	require.NoError(t, err)
	assert.True(t, res.Appraisal.Verdict)
	assert.Empty(t, res.Appraisal.Annotations)
	assert.True(t, res.Instantiated)
	assert.Equal(t, template.ID, res.Appraisal.PolicyID)
	assert.Equal(t, store.StateTrusted, res.Device.State)

	p := f.policy(t, template.ID)
	assert.False(t, p.IsTemplate())
	assert.Equal(t, map[int]string{0: digest("aa"), 1: digest("bb")}, p.PCRs)
	require.NotEmpty(t, p.Changes)
	last := p.Changes[len(p.Changes)-1]
	assert.Equal(t, store.ChangeTemplate, last.Type)
	assert.Contains(t, last.Comment, res.Appraisal.ID)

	t.Log("Changed PCR0 fails against the captured baseline")
	res, err = f.engine.Submit(ctx, dev.ID, f.evidence(t, map[int]string{0: digest("a0"), 1: digest("bb")}, nil))
	require.NoError(t, err)
	assert.False(t, res.Appraisal.Verdict)
	assert.False(t, res.Instantiated)
	require.Len(t, res.Appraisal.Annotations, 1)
	assert.Equal(t, AnnotationPCRMismatch, res.Appraisal.Annotations[0].ID)
	assert.Equal(t, "/pcrs/0", res.Appraisal.Annotations[0].Path)
	assert.Equal(t, digest("aa"), res.Appraisal.Annotations[0].Expected)

	stored := f.device(t, dev.ID)
	assert.Equal(t, store.StateVulnerable, stored.State)
	require.Len(t, stored.Appraisals, 2)
	assert.True(t, stored.Appraisals[0].Verdict)
	assert.False(t, stored.Appraisals[1].Verdict)
	assert.Equal(t, res.Appraisal.ID, stored.LastAppraisal().ID)

	assert.Equal(t, []audit.EventType{
		audit.EventPolicyInstantiate,
		audit.EventAppraisalTrusted,
		audit.EventAppraisalFailed,
	}, f.emitter.Types())
}

func TestEngine_TemplateCapturesFirmware(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	template := &store.Policy{Name: "t", Kind: store.PolicyTemplate, PCRTemplate: []int{0}, FWTemplate: []string{"/bios/vendor"}}
	dev := f.addDevice(t, template)

	fw := map[string]string{"/bios/vendor": "acme", "/bios/date": "2024"}
	_, err := f.engine.Submit(ctx, dev.ID, f.evidence(t, map[int]string{0: digest("aa")}, fw))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/bios/vendor": "acme"}, f.policy(t, template.ID).Firmware)

	fw["/bios/vendor"] = "evil"
	res, err := f.engine.Submit(ctx, dev.ID, f.evidence(t, map[int]string{0: digest("aa")}, fw))
	require.NoError(t, err)
	assert.False(t, res.Appraisal.Verdict)
	require.Len(t, res.Appraisal.Annotations, 1)
	assert.Equal(t, "/firmware/bios/vendor", res.Appraisal.Annotations[0].Path)
}

func TestEngine_VerdictDeterministic(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	policy := &store.Policy{Name: "fixed", Kind: store.PolicyConcrete, PCRs: map[int]string{0: digest("aa"), 4: digest("44"), 9: digest("99")}}
	pcrs := map[int]string{0: digest("ab"), 4: digest("44")}

	var results []*Result
	for i := 0; i < 3; i++ {
		dev := f.addDevice(t, policy)
		res, err := f.engine.Submit(ctx, dev.ID, f.evidence(t, pcrs, nil))
		require.NoError(t, err)
		results = append(results, res)
	}
	for _, r := range results[1:] {
		assert.Equal(t, results[0].Appraisal.Verdict, r.Appraisal.Verdict)
		assert.Equal(t, results[0].Appraisal.Annotations, r.Appraisal.Annotations)
	}
	assert.Len(t, results[0].Appraisal.Annotations, 2)
}

func TestEngine_FailedVerificationRecordsAppraisal(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	policy := &store.Policy{Name: "fixed", Kind: store.PolicyConcrete, PCRs: map[int]string{0: digest("aa")}}
	dev := f.addDevice(t, policy)

	good := f.evidence(t, map[int]string{0: digest("aa")}, nil)
	res, err := f.engine.Submit(ctx, dev.ID, good)
	require.NoError(t, err)
	require.True(t, res.Appraisal.Verdict)
	markers := f.device(t, dev.ID)
	require.NotNil(t, markers.LastQuoteAt)

	t.Log("Replaying accepted evidence is stale")
	f.now = f.now.Add(time.Minute)
	res, err = f.engine.Submit(ctx, dev.ID, good)
	require.NoError(t, err)
	assert.False(t, res.Appraisal.Verdict)
	require.Len(t, res.Appraisal.Annotations, 1)
	assert.Equal(t, AnnotationStale, res.Appraisal.Annotations[0].ID)
	assert.Nil(t, res.Appraisal.Report)
	assert.Zero(t, res.Appraisal.PolicyID)

	t.Log("Tampered evidence is rejected as an invalid signature")
	bad := f.evidence(t, map[int]string{0: digest("aa")}, nil)
	bad.PCRs["0"] = digest("ee")
	res, err = f.engine.Submit(ctx, dev.ID, bad)
	require.NoError(t, err)
	assert.False(t, res.Appraisal.Verdict)
	assert.Equal(t, AnnotationSignatureInvalid, res.Appraisal.Annotations[0].ID)

	stored := f.device(t, dev.ID)
	assert.Equal(t, store.StateVulnerable, stored.State)
	assert.Len(t, stored.Appraisals, 3)
	assert.True(t, stored.LastQuoteAt.Equal(*markers.LastQuoteAt), "failed evidence must not advance freshness markers")
	assert.Equal(t, markers.LastNonce, stored.LastNonce)
}

func TestEngine_NoActivePolicy(t *testing.T) {
	f := newEngineFixture(t)

	revoked := &store.Policy{Name: "gone", Kind: store.PolicyConcrete, Revoked: true, PCRs: map[int]string{0: digest("aa")}}
	dev := f.addDevice(t, revoked)

	res, err := f.engine.Submit(context.Background(), dev.ID, f.evidence(t, map[int]string{0: digest("aa")}, nil))
	require.NoError(t, err)
	assert.False(t, res.Appraisal.Verdict)
	require.Len(t, res.Appraisal.Annotations, 1)
	assert.Equal(t, AnnotationNoActivePolicy, res.Appraisal.Annotations[0].ID)
	require.NotNil(t, res.Appraisal.Report, "verified evidence keeps its report")
	assert.NotNil(t, f.device(t, dev.ID).LastQuoteAt)
}

func TestEngine_NoEnrolledKey(t *testing.T) {
	f := newEngineFixture(t)

	var id int64
	err := f.st.Update(context.Background(), func(tx *store.Tx) error {
		d := &store.Device{Name: "keyless", HWID: "hw-keyless"}
		err := tx.InsertDevice(d)
		id = d.ID
		return err
	})
	require.NoError(t, err)

	res, err := f.engine.Submit(context.Background(), id, f.evidence(t, map[int]string{0: digest("aa")}, nil))
	require.NoError(t, err)
	assert.Equal(t, AnnotationNoMatchingKey, res.Appraisal.Annotations[0].ID)
}

func TestEngine_Rejections(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	policy := &store.Policy{Name: "fixed", Kind: store.PolicyConcrete, PCRs: map[int]string{0: digest("aa")}}
	dev := f.addDevice(t, policy)

	t.Run("malformed evidence", func(t *testing.T) {
		_, err := f.engine.Submit(ctx, dev.ID, &Evidence{Algorithm: AlgECDSASHA256})
		assert.Equal(t, apierror.KindInvalid, apierror.KindOf(err))
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := f.engine.Submit(ctx, 9999, f.evidence(t, map[int]string{0: digest("aa")}, nil))
		assert.Equal(t, apierror.KindNotFound, apierror.KindOf(err))
	})

	t.Run("retired device", func(t *testing.T) {
		err := f.st.Update(ctx, func(tx *store.Tx) error {
			d, err := tx.GetDevice(dev.ID)
			if err != nil {
				return err
			}
			d.State = store.StateRetired
			return tx.SaveDevice(d)
		})
		require.NoError(t, err)

		_, err = f.engine.Submit(ctx, dev.ID, f.evidence(t, map[int]string{0: digest("aa")}, nil))
		assert.Equal(t, apierror.KindLogic, apierror.KindOf(err))
	})

	assert.Empty(t, f.device(t, dev.ID).Appraisals)
	assert.Empty(t, f.emitter.Events())
}

func TestEngine_ConcurrentSubmissionsSerialized(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	policy := &store.Policy{Name: "fixed", Kind: store.PolicyConcrete, PCRs: map[int]string{0: digest("aa")}}
	dev := f.addDevice(t, policy)

	const n = 8
	batch := make([]*Evidence, n)
	for i := range batch {
		batch[i] = f.evidence(t, map[int]string{0: digest("aa")}, nil)
	}

	var wg sync.WaitGroup
	for _, ev := range batch {
		wg.Add(1)
		go func(ev *Evidence) {
			defer wg.Done()
			_, err := f.engine.Submit(ctx, dev.ID, ev)
			assert.NoError(t, err)
		}(ev)
	}
	wg.Wait()

	stored := f.device(t, dev.ID)
	require.Len(t, stored.Appraisals, n)
	trusted := 0
	for _, a := range stored.Appraisals {
		if a.Verdict {
			trusted++
		}
	}
	// Evidence arriving after a newer quote was accepted is stale, but every
	// submission is recorded and at least the first one is accepted.
	assert.GreaterOrEqual(t, trusted, 1)
	assert.Equal(t, stored.Appraisals[n-1].ID, stored.LastAppraisal().ID)
}

func TestEngine_VerifyTimeoutRecordsSignatureInvalid(t *testing.T) {
	f := newEngineFixture(t)
	f.engine = NewEngine(f.st, keymutex.New(), EngineConfig{
		Validator: ValidatorConfig{VerifyTimeout: time.Millisecond},
	}, f.emitter, nil)
	f.engine.SetClock(func() time.Time { return f.now })

	policy := &store.Policy{Name: "fixed", Kind: store.PolicyConcrete, PCRs: map[int]string{0: digest("aa")}}
	dev := f.addDevice(t, policy)
	ev := f.evidence(t, map[int]string{0: digest("aa")}, nil)

	stallVerification(t)
	res, err := f.engine.Submit(context.Background(), dev.ID, ev)
	require.NoError(t, err)
	assert.False(t, res.Appraisal.Verdict)
	require.Len(t, res.Appraisal.Annotations, 1)
	assert.Equal(t, AnnotationSignatureInvalid, res.Appraisal.Annotations[0].ID)

	stored := f.device(t, dev.ID)
	assert.Equal(t, store.StateVulnerable, stored.State)
	assert.Nil(t, stored.LastQuoteAt, "freshness markers only advance for verified evidence")
}
