package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendo-server/vendo-server-pro/internal/license"
	"github.com/vendo-server/vendo-server-pro/internal/models"
	"github.com/vendo-server/vendo-server-pro/internal/registry"
	"github.com/vendo-server/vendo-server-pro/internal/storage"
)

// fakeStore is a map-backed engine.Store, safe for concurrent use by the
// side-effect worker.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[models.MAC]*models.ClientSession
	rates    models.RateTable
	defaults models.BandwidthDefaults
	vouchers map[string]*models.Voucher
	events   []*models.EventLog
	saveErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[models.MAC]*models.ClientSession),
		vouchers: make(map[string]*models.Voucher),
	}
}

func (f *fakeStore) SaveSession(ctx context.Context, session *models.ClientSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.sessions[session.MAC] = session.Clone()
	return nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, mac models.MAC) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, mac)
	return nil
}

func (f *fakeStore) ListSessions(ctx context.Context) ([]*models.ClientSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ClientSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *fakeStore) GetMainRates(ctx context.Context) (models.RateTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rates, nil
}

func (f *fakeStore) GetBandwidthDefaults(ctx context.Context) (*models.BandwidthDefaults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.defaults
	return &d, nil
}

func (f *fakeStore) GetVoucherByCode(ctx context.Context, code string) (*models.Voucher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vouchers[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *v
	return &c, nil
}

func (f *fakeStore) UpdateVoucher(ctx context.Context, voucher *models.Voucher) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *voucher
	f.vouchers[voucher.Code] = &c
	return nil
}

func (f *fakeStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) session(mac models.MAC) *models.ClientSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[mac]
	if !ok {
		return nil
	}
	return s.Clone()
}

func (f *fakeStore) setSaveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

func (f *fakeStore) hasEvent(eventType models.EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// recordingEnforcer tracks the grant set like the tc enforcer would
type recordingEnforcer struct {
	mu     sync.Mutex
	grants map[models.MAC][2]int
}

func newRecordingEnforcer() *recordingEnforcer {
	return &recordingEnforcer{grants: make(map[models.MAC][2]int)}
}

func (r *recordingEnforcer) Grant(mac models.MAC, ip string, downloadMbps, uploadMbps int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[mac] = [2]int{downloadMbps, uploadMbps}
	return nil
}

func (r *recordingEnforcer) Revoke(mac models.MAC) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants, mac)
	return nil
}

func (r *recordingEnforcer) ReconcileAll(sessions []*models.ClientSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants = make(map[models.MAC][2]int)
	for _, s := range sessions {
		if s.State == models.SessionActive {
			r.grants[s.MAC] = [2]int{s.DownloadLimit, s.UploadLimit}
		}
	}
	return nil
}

func (r *recordingEnforcer) granted(mac models.MAC) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.grants[mac]
	return ok
}

func (r *recordingEnforcer) limits(mac models.MAC) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.grants[mac]
	return g[0], g[1]
}

// gatedEnforcer stalls grants until released, recording call order
type gatedEnforcer struct {
	mu      sync.Mutex
	order   []string
	granted map[models.MAC]bool
	entered chan struct{}
	release chan struct{}
}

func newGatedEnforcer() *gatedEnforcer {
	return &gatedEnforcer{
		granted: make(map[models.MAC]bool),
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (g *gatedEnforcer) Grant(mac models.MAC, ip string, downloadMbps, uploadMbps int) error {
	g.entered <- struct{}{}
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.order = append(g.order, "grant")
	g.granted[mac] = true
	return nil
}

func (g *gatedEnforcer) Revoke(mac models.MAC) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.order = append(g.order, "revoke")
	delete(g.granted, mac)
	return nil
}

func (g *gatedEnforcer) ReconcileAll([]*models.ClientSession) error { return nil }

func (g *gatedEnforcer) state(mac models.MAC) ([]string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order := append([]string(nil), g.order...)
	return order, g.granted[mac]
}

// fakeDeviceStore backs the registry in tests
type fakeDeviceStore struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*models.SubVendoDevice
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{devices: make(map[uuid.UUID]*models.SubVendoDevice)}
}

func (f *fakeDeviceStore) CreateDevice(ctx context.Context, device *models.SubVendoDevice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	device.CreatedAt = time.Now()
	device.UpdatedAt = time.Now()
	c := *device
	f.devices[device.ID] = &c
	return nil
}

func (f *fakeDeviceStore) UpdateDevice(ctx context.Context, device *models.SubVendoDevice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *device
	f.devices[device.ID] = &c
	return nil
}

func (f *fakeDeviceStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, id)
	return nil
}

func (f *fakeDeviceStore) ListDevices(ctx context.Context) ([]*models.SubVendoDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.SubVendoDevice, 0, len(f.devices))
	for _, d := range f.devices {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

func (f *fakeDeviceStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	return nil
}

// fakeSettings backs the license gate in tests
type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{values: make(map[string]string)}
}

func (f *fakeSettings) GetSetting(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (f *fakeSettings) SetSetting(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

type testEngine struct {
	eng      *Engine
	store    *fakeStore
	enforcer *recordingEnforcer
	registry *registry.Registry
	gate     *license.Gate
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	store := newFakeStore()
	store.rates = models.RateTable{
		{Amount: 1, Minutes: 10},
		{Amount: 5, Minutes: 70},
	}
	store.defaults = models.BandwidthDefaults{DownloadLimit: 10, UploadLimit: 5}

	enf := newRecordingEnforcer()
	reg := registry.NewRegistry(newFakeDeviceStore(), 2*time.Second, 2*time.Minute)

	gate, err := license.NewGate(context.Background(), newFakeSettings(), 30)
	require.NoError(t, err)

	// Long intervals keep the clock and snapshot loop out of the way;
	// tests drive aging and flushing directly.
	eng := New(store, reg, gate, enf, nil, Config{
		TickInterval:  time.Hour,
		SnapshotEvery: time.Hour,
		QueueSize:     64,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		cancel()
		eng.Wait()
	})

	return &testEngine{eng: eng, store: store, enforcer: enf, registry: reg, gate: gate}
}

func coinEvent(mac models.MAC, amount int64) models.PaymentEvent {
	return models.PaymentEvent{
		Source:    models.CoinSource(2),
		MAC:       mac,
		IP:        "10.0.0.5",
		Amount:    amount,
		Timestamp: time.Now(),
	}
}

func TestEngineCoinCredit(t *testing.T) {
	te := newTestEngine(t)
	mac := mustMAC(t, "aa:bb:cc:00:11:22")

	session, err := te.eng.Credit(context.Background(), coinEvent(mac, 1))
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, session.State)
	assert.Equal(t, int64(600), session.RemainingSeconds)
	assert.Equal(t, int64(1), session.TotalPaid)

	// Zero rate-entry caps fall back to the global defaults
	assert.Equal(t, 10, session.DownloadLimit)
	assert.Equal(t, 5, session.UploadLimit)

	require.Eventually(t, func() bool {
		return te.enforcer.granted(mac)
	}, 2*time.Second, 10*time.Millisecond, "enforcement grant never applied")
	dl, ul := te.enforcer.limits(mac)
	assert.Equal(t, 10, dl)
	assert.Equal(t, 5, ul)

	require.Eventually(t, func() bool {
		return te.store.session(mac) != nil
	}, 2*time.Second, 10*time.Millisecond, "session never persisted")

	assert.True(t, te.store.hasEvent(models.EventTypeCredit))
}

func TestEngineCreditNoMatchingRate(t *testing.T) {
	te := newTestEngine(t)
	mac := mustMAC(t, "aa:bb:cc:00:11:22")

	_, err := te.eng.Credit(context.Background(), coinEvent(mac, 3))
	assert.ErrorIs(t, err, models.ErrNoMatchingRate)

	// Rejection leaves no session behind
	_, err = te.eng.Session(mac)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.True(t, te.store.hasEvent(models.EventTypeCreditRejected))
}

func TestEngineCreditValidation(t *testing.T) {
	te := newTestEngine(t)
	mac := mustMAC(t, "aa:bb:cc:00:11:22")

	_, err := te.eng.Credit(context.Background(), coinEvent(models.MAC{}, 1))
	assert.ErrorIs(t, err, ErrInvalidMAC)

	_, err = te.eng.Credit(context.Background(), coinEvent(mac, 0))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = te.eng.Credit(context.Background(), coinEvent(mac, -5))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEngineVoucherRedeem(t *testing.T) {
	te := newTestEngine(t)
	mac := mustMAC(t, "aa:bb:cc:00:11:22")

	te.store.vouchers["WXYZ2345"] = &models.Voucher{
		ID:     uuid.New(),
		Code:   "WXYZ2345",
		Amount: 5,
	}

	event := models.PaymentEvent{
		Source:    models.VoucherSource("WXYZ2345"),
		MAC:       mac,
		IP:        "10.0.0.5",
		Timestamp: time.Now(),
	}

	session, err := te.eng.Credit(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, int64(70*60), session.RemainingSeconds)
	assert.Equal(t, int64(5), session.TotalPaid)

	v, err := te.store.GetVoucherByCode(context.Background(), "WXYZ2345")
	require.NoError(t, err)
	assert.True(t, v.IsUsed())
	require.NotNil(t, v.UsedBy)
	assert.Equal(t, mac, *v.UsedBy)

	// Single use
	_, err = te.eng.Credit(context.Background(), event)
	assert.ErrorIs(t, err, ErrVoucherUsed)

	event.Source = models.VoucherSource("NOPE2345")
	_, err = te.eng.Credit(context.Background(), event)
	assert.ErrorIs(t, err, ErrVoucherNotFound)

	assert.True(t, te.store.hasEvent(models.EventTypeVoucherRedeem))
}

func TestEngineRevokedLicenseBlocksNewCredit(t *testing.T) {
	te := newTestEngine(t)
	mac := mustMAC(t, "aa:bb:cc:00:11:22")

	_, err := te.eng.Credit(context.Background(), coinEvent(mac, 1))
	require.NoError(t, err)

	require.NoError(t, te.gate.Revoke(context.Background()))

	_, err = te.eng.Credit(context.Background(), coinEvent(mac, 1))
	assert.ErrorIs(t, err, license.ErrRevoked)

	// Existing sessions stay manageable and keep their balance
	session, err := te.eng.Pause(context.Background(), mac)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, session.State)
	assert.Equal(t, int64(600), session.RemainingSeconds)
}

func TestEngineSubVendoCredit(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer node.Close()
	nodeAddr := strings.TrimPrefix(node.URL, "http://")

	nodeMAC := mustMAC(t, "bb:00:00:00:00:01")
	device, created, err := te.registry.Announce(ctx, nodeMAC, nodeAddr, "node-1")
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, models.DevicePending, device.Status)

	// Pending devices cannot credit
	mac := mustMAC(t, "aa:bb:cc:00:11:22")
	event := models.PaymentEvent{
		Source:    models.SubVendoSource(device.ID),
		MAC:       mac,
		IP:        "10.0.0.5",
		Amount:    1,
		Timestamp: time.Now(),
	}
	_, err = te.eng.Credit(ctx, event)
	assert.ErrorIs(t, err, registry.ErrDeviceNotAccepted)

	_, err = te.registry.Accept(ctx, device.ID, "Gate 2", 20)
	require.NoError(t, err)

	_, err = te.registry.UpdateRates(ctx, device.ID, models.RateTable{
		{Amount: 1, Minutes: 15},
	})
	require.NoError(t, err)

	session, err := te.eng.Credit(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, int64(15*60), session.RemainingSeconds)

	updated, err := te.registry.Get(device.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.TotalPulses)
	assert.Equal(t, int64(1), updated.TotalRevenue)
}

func TestEngineExpiryRevokesAccess(t *testing.T) {
	te := newTestEngine(t)
	mac := mustMAC(t, "aa:bb:cc:00:11:22")

	_, err := te.eng.Credit(context.Background(), coinEvent(mac, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return te.enforcer.granted(mac)
	}, 2*time.Second, 10*time.Millisecond)

	expired := te.eng.ledger.Age(600)
	require.Len(t, expired, 1)
	te.eng.handleExpired(expired)

	require.Eventually(t, func() bool {
		return !te.enforcer.granted(mac)
	}, 2*time.Second, 10*time.Millisecond, "expiry never revoked access")

	require.Eventually(t, func() bool {
		s := te.store.session(mac)
		return s != nil && s.State == models.SessionExpired
	}, 2*time.Second, 10*time.Millisecond, "expiry never persisted")

	assert.True(t, te.store.hasEvent(models.EventTypeSessionExpired))
}

func TestEnginePauseResumeEnforcement(t *testing.T) {
	te := newTestEngine(t)
	mac := mustMAC(t, "aa:bb:cc:00:11:22")
	ctx := context.Background()

	_, err := te.eng.Credit(ctx, coinEvent(mac, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return te.enforcer.granted(mac)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = te.eng.Pause(ctx, mac)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !te.enforcer.granted(mac)
	}, 2*time.Second, 10*time.Millisecond, "pause never cut access")

	_, err = te.eng.Resume(ctx, mac)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return te.enforcer.granted(mac)
	}, 2*time.Second, 10*time.Millisecond, "resume never restored access")
}

func TestEngineDelete(t *testing.T) {
	te := newTestEngine(t)
	mac := mustMAC(t, "aa:bb:cc:00:11:22")
	ctx := context.Background()

	_, err := te.eng.Credit(ctx, coinEvent(mac, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return te.store.session(mac) != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, te.eng.Delete(ctx, mac))

	_, err = te.eng.Session(mac)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.Eventually(t, func() bool {
		return te.store.session(mac) == nil && !te.enforcer.granted(mac)
	}, 2*time.Second, 10*time.Millisecond, "delete never propagated")

	assert.ErrorIs(t, te.eng.Delete(ctx, mac), ErrSessionNotFound)
}

func TestEngineDegradedHealth(t *testing.T) {
	te := newTestEngine(t)
	mac := mustMAC(t, "aa:bb:cc:00:11:22")
	ctx := context.Background()

	assert.True(t, te.eng.Healthy())

	te.store.setSaveErr(assert.AnError)
	_, err := te.eng.Credit(ctx, coinEvent(mac, 1))
	require.NoError(t, err, "persistence failures must not reject credit")

	require.Eventually(t, func() bool {
		return !te.eng.Healthy()
	}, 2*time.Second, 10*time.Millisecond, "failing persistence never flagged")

	te.store.setSaveErr(nil)
	_, err = te.eng.Credit(ctx, coinEvent(mac, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return te.eng.Healthy()
	}, 2*time.Second, 10*time.Millisecond, "recovery never cleared the flag")
}

func TestEngineBackpressureKeepsSideEffectOrder(t *testing.T) {
	store := newFakeStore()
	store.rates = models.RateTable{{Amount: 1, Minutes: 10}}

	enf := newGatedEnforcer()
	reg := registry.NewRegistry(newFakeDeviceStore(), time.Second, time.Minute)
	gate, err := license.NewGate(context.Background(), newFakeSettings(), 30)
	require.NoError(t, err)

	eng := New(store, reg, gate, enf, nil, Config{
		TickInterval:  time.Hour,
		SnapshotEvery: time.Hour,
		QueueSize:     1,
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))
	defer func() {
		cancel()
		eng.Wait()
	}()

	mac := mustMAC(t, "aa:bb:cc:00:11:22")

	// First credit: the worker picks it up and stalls inside the grant
	_, err = eng.Credit(context.Background(), coinEvent(mac, 1))
	require.NoError(t, err)
	<-enf.entered

	// Second credit fills the one-slot queue
	_, err = eng.Credit(context.Background(), coinEvent(mac, 1))
	require.NoError(t, err)

	// Pause with the queue full: its revoke must still run after both
	// queued grants, never jump ahead of them
	pauseDone := make(chan error, 1)
	go func() {
		_, err := eng.Pause(context.Background(), mac)
		pauseDone <- err
	}()

	close(enf.release)
	require.NoError(t, <-pauseDone)

	require.Eventually(t, func() bool {
		order, _ := enf.state(mac)
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond, "side effects never drained")

	order, granted := enf.state(mac)
	assert.Equal(t, []string{"grant", "grant", "revoke"}, order)
	assert.False(t, granted, "paused session must not hold an enforcement grant")

	session, err := eng.Session(mac)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, session.State)
}

func TestEngineRecoversLedgerFromStore(t *testing.T) {
	store := newFakeStore()
	store.rates = models.RateTable{{Amount: 1, Minutes: 10}}
	mac := mustMAC(t, "aa:bb:cc:00:11:22")
	store.sessions[mac] = &models.ClientSession{
		MAC:              mac,
		IP:               "10.0.0.5",
		State:            models.SessionActive,
		RemainingSeconds: 900,
		DownloadLimit:    10,
		UploadLimit:      5,
	}

	enf := newRecordingEnforcer()
	reg := registry.NewRegistry(newFakeDeviceStore(), time.Second, time.Minute)
	gate, err := license.NewGate(context.Background(), newFakeSettings(), 30)
	require.NoError(t, err)

	eng := New(store, reg, gate, enf, nil, Config{TickInterval: time.Hour, SnapshotEvery: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))
	defer func() {
		cancel()
		eng.Wait()
	}()

	session, err := eng.Session(mac)
	require.NoError(t, err)
	assert.Equal(t, int64(900), session.RemainingSeconds)

	// Reconciliation restored the grant without a new credit
	assert.True(t, enf.granted(mac))
}
