package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*models.SubVendoDevice
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[uuid.UUID]*models.SubVendoDevice)}
}

func (f *fakeStore) CreateDevice(ctx context.Context, device *models.SubVendoDevice) error {
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

func (f *fakeStore) UpdateDevice(ctx context.Context, device *models.SubVendoDevice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *device
	f.devices[device.ID] = &c
	return nil
}

func (f *fakeStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, id)
	return nil
}

func (f *fakeStore) ListDevices(ctx context.Context) ([]*models.SubVendoDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.SubVendoDevice, 0, len(f.devices))
	for _, d := range f.devices {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

func (f *fakeStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	return nil
}

func (f *fakeStore) get(id uuid.UUID) *models.SubVendoDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil
	}
	c := *d
	return &c
}

func mustMAC(t *testing.T, s string) models.MAC {
	t.Helper()
	mac, err := models.ParseMAC(s)
	require.NoError(t, err)
	return mac
}

// okNode is a sub-vendo node that acknowledges every configuration push
func okNode(t *testing.T) (addr string, requests *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://"), &count
}

func TestAnnounceCreatesPending(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, time.Second, time.Minute)
	mac := mustMAC(t, "bb:00:00:00:00:01")

	device, created, err := r.Announce(context.Background(), mac, "192.168.1.50", "node-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.DevicePending, device.Status)
	assert.NotEqual(t, uuid.Nil, device.ID)
	assert.NotNil(t, device.LastSeenAt)

	// Re-announcement refreshes, never duplicates
	again, created, err := r.Announce(context.Background(), mac, "192.168.1.51", "node-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, device.ID, again.ID)
	assert.Equal(t, "192.168.1.51", again.IPAddress)
	assert.Len(t, r.List(), 1)
}

func TestAcceptPushesConfig(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, time.Second, time.Minute)
	addr, requests := okNode(t)

	device, _, err := r.Announce(context.Background(), mustMAC(t, "bb:00:00:00:00:01"), addr, "node-1")
	require.NoError(t, err)

	accepted, err := r.Accept(context.Background(), device.ID, "Gate 2", 20)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceAccepted, accepted.Status)
	assert.Equal(t, "Gate 2", accepted.Name)
	assert.Equal(t, 20, accepted.VLANID)
	assert.Equal(t, int32(1), requests.Load())

	persisted := store.get(device.ID)
	require.NotNil(t, persisted)
	assert.Equal(t, models.DeviceAccepted, persisted.Status)

	// Accepting twice is an invalid transition
	_, err = r.Accept(context.Background(), device.ID, "Gate 2", 20)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAcceptUnreachableNode(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, 200*time.Millisecond, time.Minute)

	// Nothing listens here
	device, _, err := r.Announce(context.Background(), mustMAC(t, "bb:00:00:00:00:01"), "127.0.0.1:1", "node-1")
	require.NoError(t, err)

	_, err = r.Accept(context.Background(), device.ID, "Gate 2", 20)
	assert.ErrorIs(t, err, ErrDeviceUnreachable)

	// Failed accept leaves the device pending
	current, err := r.Get(device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DevicePending, current.Status)
}

func TestRejectIsTerminal(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, time.Second, time.Minute)

	device, _, err := r.Announce(context.Background(), mustMAC(t, "bb:00:00:00:00:01"), "192.168.1.50", "node-1")
	require.NoError(t, err)

	rejected, err := r.Reject(context.Background(), device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceRejected, rejected.Status)

	_, err = r.Accept(context.Background(), device.ID, "Gate 2", 20)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.Reject(context.Background(), device.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, r.Remove(context.Background(), device.ID), ErrInvalidTransition)

	// The discovery record survives rejection
	assert.NotNil(t, store.get(device.ID))
}

func TestAcceptCannotOverrideConcurrentReject(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, 5*time.Second, time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	device, _, err := r.Announce(context.Background(),
		mustMAC(t, "bb:00:00:00:00:01"), strings.TrimPrefix(srv.URL, "http://"), "node-1")
	require.NoError(t, err)

	acceptDone := make(chan error, 1)
	go func() {
		_, err := r.Accept(context.Background(), device.ID, "Gate 2", 20)
		acceptDone <- err
	}()

	// Reject lands while the accept is stalled in the config push
	<-entered
	_, err = r.Reject(context.Background(), device.ID)
	require.NoError(t, err)
	close(release)

	// Rejected is terminal: the late accept must fail, not overwrite it
	assert.ErrorIs(t, <-acceptDone, ErrInvalidTransition)

	current, err := r.Get(device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceRejected, current.Status)

	persisted := store.get(device.ID)
	require.NotNil(t, persisted)
	assert.Equal(t, models.DeviceRejected, persisted.Status)
}

func TestCreditTableRequiresAccepted(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, time.Second, time.Minute)
	addr, _ := okNode(t)

	device, _, err := r.Announce(context.Background(), mustMAC(t, "bb:00:00:00:00:01"), addr, "node-1")
	require.NoError(t, err)

	_, err = r.CreditTable(device.ID)
	assert.ErrorIs(t, err, ErrDeviceNotAccepted)

	_, err = r.CreditTable(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = r.Accept(context.Background(), device.ID, "Gate 2", 20)
	require.NoError(t, err)

	_, err = r.UpdateRates(context.Background(), device.ID, models.RateTable{
		{Amount: 1, Minutes: 15},
	})
	require.NoError(t, err)

	table, err := r.CreditTable(device.ID)
	require.NoError(t, err)
	require.Len(t, table, 1)
	assert.Equal(t, 15, table[0].Minutes)
}

func TestUpdateRatesPersistsBeforePush(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, 200*time.Millisecond, time.Minute)

	device, _, err := r.Announce(context.Background(), mustMAC(t, "bb:00:00:00:00:01"), "127.0.0.1:1", "node-1")
	require.NoError(t, err)

	// Push fails, but the controller copy is authoritative and already saved
	snapshot, err := r.UpdateRates(context.Background(), device.ID, models.RateTable{
		{Amount: 5, Minutes: 60},
		{Amount: 1, Minutes: 10},
	})
	assert.ErrorIs(t, err, ErrDeviceUnreachable)
	require.NotNil(t, snapshot)

	persisted := store.get(device.ID)
	require.NotNil(t, persisted)
	require.Len(t, persisted.Rates, 2)
	assert.Equal(t, int64(1), persisted.Rates[0].Amount, "rates are normalized on save")
}

func TestHeartbeatTracksLiveness(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, time.Second, 50*time.Millisecond)

	device, _, err := r.Announce(context.Background(), mustMAC(t, "bb:00:00:00:00:01"), "192.168.1.50", "node-1")
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(context.Background(), device.MACAddress, 42))

	current, err := r.Get(device.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), current.TotalPulses)
	assert.True(t, current.IsOnline(r.OfflineAfter()))

	// Counters never move backwards
	require.NoError(t, r.Heartbeat(context.Background(), device.MACAddress, 10))
	current, err = r.Get(device.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), current.TotalPulses)

	time.Sleep(60 * time.Millisecond)
	current, err = r.Get(device.ID)
	require.NoError(t, err)
	assert.False(t, current.IsOnline(r.OfflineAfter()))

	assert.ErrorIs(t, r.Heartbeat(context.Background(), mustMAC(t, "bb:00:00:00:00:99"), 1), ErrUnknownDevice)
}

func TestRecordCredit(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, time.Second, time.Minute)

	device, _, err := r.Announce(context.Background(), mustMAC(t, "bb:00:00:00:00:01"), "192.168.1.50", "node-1")
	require.NoError(t, err)

	require.NoError(t, r.RecordCredit(context.Background(), device.ID, 5))
	require.NoError(t, r.RecordCredit(context.Background(), device.ID, 1))

	current, err := r.Get(device.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.TotalPulses)
	assert.Equal(t, int64(6), current.TotalRevenue)
}

func TestRemove(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, time.Second, time.Minute)
	addr, _ := okNode(t)
	mac := mustMAC(t, "bb:00:00:00:00:01")

	device, _, err := r.Announce(context.Background(), mac, addr, "node-1")
	require.NoError(t, err)

	// Pending devices keep their discovery record until an admin decision
	assert.ErrorIs(t, r.Remove(context.Background(), device.ID), ErrInvalidTransition)
	assert.NotNil(t, store.get(device.ID))

	_, err = r.Accept(context.Background(), device.ID, "Gate 2", 20)
	require.NoError(t, err)

	require.NoError(t, r.Remove(context.Background(), device.ID))

	_, err = r.Get(device.ID)
	assert.ErrorIs(t, err, ErrUnknownDevice)
	_, ok := r.LookupByMAC(mac)
	assert.False(t, ok)
	assert.Nil(t, store.get(device.ID))

	assert.ErrorIs(t, r.Remove(context.Background(), device.ID), ErrUnknownDevice)
}

func TestLoad(t *testing.T) {
	store := newFakeStore()
	seed := &models.SubVendoDevice{
		MACAddress: mustMAC(t, "bb:00:00:00:00:01"),
		IPAddress:  "192.168.1.50",
		Status:     models.DeviceAccepted,
		Rates:      models.RateList{{Amount: 1, Minutes: 10}},
	}
	require.NoError(t, store.CreateDevice(context.Background(), seed))

	r := NewRegistry(store, time.Second, time.Minute)
	require.NoError(t, r.Load(context.Background()))

	id, ok := r.LookupByMAC(seed.MACAddress)
	require.True(t, ok)
	assert.Equal(t, seed.ID, id)

	table, err := r.CreditTable(id)
	require.NoError(t, err)
	assert.Len(t, table, 1)
}
