package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// Sentinel errors for device admission and network calls
var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrDeviceNotAccepted = errors.New("device not accepted")
	ErrDeviceUnreachable = errors.New("device unreachable")
	ErrInvalidTransition = errors.New("invalid device state transition")
)

// DeviceStore is the slice of storage the registry needs
type DeviceStore interface {
	CreateDevice(ctx context.Context, device *models.SubVendoDevice) error
	UpdateDevice(ctx context.Context, device *models.SubVendoDevice) error
	DeleteDevice(ctx context.Context, id uuid.UUID) error
	ListDevices(ctx context.Context) ([]*models.SubVendoDevice, error)
	CreateEventLog(ctx context.Context, event *models.EventLog) error
}

// Registry owns the lifecycle of sub-vendo hardware nodes. Devices appear
// Pending on their first announcement; only an explicit admin accept
// activates their rate table for crediting. Rejected is terminal. Removal
// is a hard delete of an accepted device; sessions it already credited are
// unaffected.
type Registry struct {
	store        DeviceStore
	client       *http.Client
	callTimeout  time.Duration
	offlineAfter time.Duration

	mu      sync.RWMutex
	devices map[uuid.UUID]*models.SubVendoDevice
	byMAC   map[models.MAC]uuid.UUID
}

// NewRegistry creates a device registry
func NewRegistry(store DeviceStore, callTimeout, offlineAfter time.Duration) *Registry {
	return &Registry{
		store:        store,
		client:       &http.Client{Timeout: callTimeout},
		callTimeout:  callTimeout,
		offlineAfter: offlineAfter,
		devices:      make(map[uuid.UUID]*models.SubVendoDevice),
		byMAC:        make(map[models.MAC]uuid.UUID),
	}
}

// Load populates the registry from the store at startup
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range devices {
		r.devices[d.ID] = d
		r.byMAC[d.MACAddress] = d.ID
	}

	log.Info().Int("devices", len(devices)).Msg("Device registry loaded")

	return nil
}

// Announce registers a node announcement. Unknown nodes are created
// Pending; known nodes get their address and last-seen refreshed. Returns
// the device and whether it was newly discovered.
func (r *Registry) Announce(ctx context.Context, mac models.MAC, ip, name string) (*models.SubVendoDevice, bool, error) {
	r.mu.Lock()

	now := time.Now()
	if id, ok := r.byMAC[mac]; ok {
		device := r.devices[id]
		device.IPAddress = ip
		device.LastSeenAt = &now
		snapshot := *device
		r.mu.Unlock()

		if err := r.store.UpdateDevice(ctx, &snapshot); err != nil {
			log.Error().Err(err).Str("device", id.String()).Msg("Persist device announcement failed")
		}
		return &snapshot, false, nil
	}

	device := &models.SubVendoDevice{
		MACAddress: mac,
		IPAddress:  ip,
		Name:       name,
		Status:     models.DevicePending,
		Rates:      models.RateList{},
		LastSeenAt: &now,
	}

	if err := r.store.CreateDevice(ctx, device); err != nil {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("create device: %w", err)
	}

	r.devices[device.ID] = device
	r.byMAC[mac] = device.ID
	snapshot := *device
	r.mu.Unlock()

	r.logEvent(ctx, device.ID, models.EventTypeDeviceDiscovered,
		fmt.Sprintf("Sub-vendo node %s announced from %s", mac, ip))

	log.Info().
		Str("mac", mac.String()).
		Str("ip", ip).
		Msg("New sub-vendo device discovered, awaiting admin decision")

	return &snapshot, true, nil
}

// Heartbeat refreshes a node's last-seen timestamp and pulse counter
func (r *Registry) Heartbeat(ctx context.Context, mac models.MAC, totalPulses int64) error {
	r.mu.Lock()

	id, ok := r.byMAC[mac]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownDevice
	}

	device := r.devices[id]
	now := time.Now()
	device.LastSeenAt = &now
	if totalPulses > device.TotalPulses {
		device.TotalPulses = totalPulses
	}
	snapshot := *device
	r.mu.Unlock()

	return r.store.UpdateDevice(ctx, &snapshot)
}

// Accept transitions a Pending device to Accepted, assigning its name and
// VLAN and pushing the configuration to the node. The transition is only
// persisted after the node acknowledged the configuration.
func (r *Registry) Accept(ctx context.Context, id uuid.UUID, name string, vlanID int) (*models.SubVendoDevice, error) {
	r.mu.RLock()
	device, ok := r.devices[id]
	if !ok {
		r.mu.RUnlock()
		return nil, ErrUnknownDevice
	}
	if device.Status != models.DevicePending {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: device is %s", ErrInvalidTransition, device.Status)
	}
	ip := device.IPAddress
	r.mu.RUnlock()

	if err := r.pushConfig(ctx, ip, map[string]interface{}{
		"name":   name,
		"vlanId": vlanID,
	}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	// The push ran outside the lock; the device may have been rejected or
	// removed in the meantime. Rejected is terminal and must stay that way.
	if device.Status != models.DevicePending {
		status := device.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: device is %s", ErrInvalidTransition, status)
	}
	device.Name = name
	device.VLANID = vlanID
	device.Status = models.DeviceAccepted
	snapshot := *device
	r.mu.Unlock()

	if err := r.store.UpdateDevice(ctx, &snapshot); err != nil {
		return nil, fmt.Errorf("persist accept: %w", err)
	}

	r.logEvent(ctx, id, models.EventTypeDeviceAccepted,
		fmt.Sprintf("Device accepted as %q on VLAN %d", name, vlanID))

	return &snapshot, nil
}

// Reject marks a Pending device as Rejected. Terminal: the device may
// never credit, but its discovery record is kept.
func (r *Registry) Reject(ctx context.Context, id uuid.UUID) (*models.SubVendoDevice, error) {
	r.mu.Lock()

	device, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownDevice
	}
	if device.Status != models.DevicePending {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: device is %s", ErrInvalidTransition, device.Status)
	}

	device.Status = models.DeviceRejected
	snapshot := *device
	r.mu.Unlock()

	if err := r.store.UpdateDevice(ctx, &snapshot); err != nil {
		return nil, fmt.Errorf("persist reject: %w", err)
	}

	r.logEvent(ctx, id, models.EventTypeDeviceRejected, "Device rejected")

	return &snapshot, nil
}

// Remove hard-deletes an accepted device. Sessions it already credited are
// untouched; it can no longer credit new ones. Pending devices keep their
// discovery record until an explicit accept or reject, and rejection already
// ends a device's story, so only Accepted devices can be removed.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()

	device, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownDevice
	}
	if device.Status != models.DeviceAccepted {
		status := device.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: device is %s", ErrInvalidTransition, status)
	}

	mac := device.MACAddress
	delete(r.devices, id)
	delete(r.byMAC, mac)
	r.mu.Unlock()

	if err := r.store.DeleteDevice(ctx, id); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}

	r.logEvent(ctx, id, models.EventTypeDeviceRemoved,
		fmt.Sprintf("Device %s removed", mac))

	return nil
}

// UpdateRates replaces a device's rate table. The controller copy is
// authoritative; the push to the node is surfaced so the caller can retry
// it, but the persisted table already took effect.
func (r *Registry) UpdateRates(ctx context.Context, id uuid.UUID, rates models.RateTable) (*models.SubVendoDevice, error) {
	r.mu.Lock()

	device, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownDevice
	}

	device.Rates = models.RateList(rates.Normalize())
	snapshot := *device
	r.mu.Unlock()

	if err := r.store.UpdateDevice(ctx, &snapshot); err != nil {
		return nil, fmt.Errorf("persist rates: %w", err)
	}

	if err := r.pushConfig(ctx, snapshot.IPAddress, map[string]interface{}{
		"rates": snapshot.Rates,
	}); err != nil {
		return &snapshot, err
	}

	return &snapshot, nil
}

// CreditTable returns the rate table of an accepted device. Pending and
// rejected devices cannot credit.
func (r *Registry) CreditTable(id uuid.UUID) (models.RateTable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[id]
	if !ok {
		return nil, ErrUnknownDevice
	}
	if device.Status != models.DeviceAccepted {
		return nil, ErrDeviceNotAccepted
	}

	table := make(models.RateTable, len(device.Rates))
	copy(table, device.Rates)
	return table, nil
}

// LookupByMAC resolves a node hardware address to its device id
func (r *Registry) LookupByMAC(mac models.MAC) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byMAC[mac]
	return id, ok
}

// RecordCredit accumulates a successful credit into the device counters
func (r *Registry) RecordCredit(ctx context.Context, id uuid.UUID, amount int64) error {
	r.mu.Lock()

	device, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownDevice
	}

	device.TotalPulses++
	device.TotalRevenue += amount
	snapshot := *device
	r.mu.Unlock()

	return r.store.UpdateDevice(ctx, &snapshot)
}

// Get returns a snapshot of one device
func (r *Registry) Get(id uuid.UUID) (*models.SubVendoDevice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[id]
	if !ok {
		return nil, ErrUnknownDevice
	}

	snapshot := *device
	return &snapshot, nil
}

// List returns snapshots of all devices, marking offline ones
func (r *Registry) List() []*models.SubVendoDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.SubVendoDevice, 0, len(r.devices))
	for _, d := range r.devices {
		snapshot := *d
		out = append(out, &snapshot)
	}
	return out
}

// OfflineAfter returns the configured silence threshold for reporting a
// device offline. Silence never auto-removes a device.
func (r *Registry) OfflineAfter() time.Duration {
	return r.offlineAfter
}

// pushConfig POSTs a configuration document to a node, surfacing timeouts
// as ErrDeviceUnreachable
func (r *Registry) pushConfig(ctx context.Context, ip string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/api/config", ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: node returned %d", ErrDeviceUnreachable, resp.StatusCode)
	}

	return nil
}

func (r *Registry) logEvent(ctx context.Context, id uuid.UUID, eventType models.EventType, description string) {
	event := &models.EventLog{
		DeviceID:    &id,
		Type:        eventType,
		Level:       models.EventLevelInfo,
		Description: description,
	}
	if err := r.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}
