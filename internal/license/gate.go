package license

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/models"
	"github.com/vendo-server/vendo-server-pro/internal/storage"
)

// Sentinel errors for admission gating
var (
	ErrRevoked      = errors.New("license revoked")
	ErrTrialExpired = errors.New("trial expired")
)

const stateKey = "license_state"

// SettingsStore is the slice of storage the gate needs
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Gate is the process-wide operability flag consulted before admitting new
// credit. Revocation blocks new admission only; sessions that are already
// active keep aging and expiring normally.
type Gate struct {
	store     SettingsStore
	trialDays int

	mu    sync.RWMutex
	state models.LicenseState
}

// NewGate loads persisted license state, starting the trial clock on first
// run.
func NewGate(ctx context.Context, store SettingsStore, trialDays int) (*Gate, error) {
	g := &Gate{store: store, trialDays: trialDays}

	hwID, err := HardwareID()
	if err != nil {
		return nil, fmt.Errorf("hardware id: %w", err)
	}

	value, err := store.GetSetting(ctx, stateKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		now := time.Now()
		g.state = models.LicenseState{
			HardwareID: hwID,
			TrialStart: &now,
		}
		if err := g.persist(ctx); err != nil {
			return nil, err
		}
		log.Info().Str("hardware_id", hwID).Int("trial_days", trialDays).Msg("Trial period started")
	case err != nil:
		return nil, fmt.Errorf("load license state: %w", err)
	default:
		if err := json.Unmarshal([]byte(value), &g.state); err != nil {
			return nil, fmt.Errorf("parse license state: %w", err)
		}
		g.state.HardwareID = hwID
	}

	g.refreshTrial()

	return g, nil
}

// State returns a snapshot of the current license state
func (g *Gate) State() models.LicenseState {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.refreshTrialLocked()
	return g.state
}

// Check returns nil when the engine may admit new credit, or the distinct
// rejection error.
func (g *Gate) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.refreshTrialLocked()

	if g.state.IsRevoked {
		return ErrRevoked
	}
	if g.state.IsLicensed {
		return nil
	}
	if !g.state.Trial.IsActive {
		return ErrTrialExpired
	}
	return nil
}

// Activate marks the controller as licensed
func (g *Gate) Activate(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	g.state.IsLicensed = true
	g.state.IsRevoked = false
	g.state.LicenseKey = key
	g.state.ActivatedAt = &now

	return g.persist(ctx)
}

// Revoke marks the license as revoked. Active sessions are untouched.
func (g *Gate) Revoke(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.IsRevoked = true

	return g.persist(ctx)
}

func (g *Gate) refreshTrial() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshTrialLocked()
}

func (g *Gate) refreshTrialLocked() {
	if g.state.TrialStart == nil {
		g.state.Trial = models.TrialState{}
		return
	}

	elapsed := int(time.Since(*g.state.TrialStart).Hours() / 24)
	remaining := g.trialDays - elapsed
	if remaining < 0 {
		remaining = 0
	}

	g.state.Trial = models.TrialState{
		IsActive:      !g.state.IsLicensed && remaining > 0,
		DaysRemaining: remaining,
	}
}

func (g *Gate) persist(ctx context.Context) error {
	data, err := json.Marshal(g.state)
	if err != nil {
		return err
	}
	return g.store.SetSetting(ctx, stateKey, string(data))
}

// HardwareID produces a deterministic machine identifier from the machine-id
// and the sorted non-loopback interface MACs.
func HardwareID() (string, error) {
	var parts []string

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("get hostname: %w", err)
	}
	parts = append(parts, hostname)

	if macs, err := interfaceMACs(); err == nil {
		parts = append(parts, macs...)
	}

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		parts = append(parts, strings.TrimSpace(string(machineID)))
	}

	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", h[:16]), nil
}

// interfaceMACs returns sorted non-loopback hardware addresses
func interfaceMACs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" {
			macs = append(macs, mac)
		}
	}

	sort.Strings(macs)
	return macs, nil
}
