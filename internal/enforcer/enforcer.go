package enforcer

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// Enforcer installs and removes forwarding and shaping state for a client.
// Both operations are idempotent: the ledger may call them redundantly
// during restart reconciliation. A revoked client must not reach the
// network at all, only be redirectable to the portal.
type Enforcer interface {
	Grant(mac models.MAC, ip string, downloadMbps, uploadMbps int) error
	Revoke(mac models.MAC) error
	ReconcileAll(sessions []*models.ClientSession) error
}

// CommandRunner runs an external command. Injected so tests never shell out.
type CommandRunner interface {
	Run(name string, args ...string) error
}

// ExecRunner runs commands through os/exec
type ExecRunner struct{}

// Run executes the command and waits for it
func (ExecRunner) Run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, out)
	}
	return nil
}

// NoopEnforcer accepts every grant and revoke without touching the
// network. Used when enforcement is disabled in configuration.
type NoopEnforcer struct{}

// NewNoopEnforcer creates a no-op enforcer
func NewNoopEnforcer() *NoopEnforcer {
	return &NoopEnforcer{}
}

// Grant is a no-op
func (*NoopEnforcer) Grant(models.MAC, string, int, int) error { return nil }

// Revoke is a no-op
func (*NoopEnforcer) Revoke(models.MAC) error { return nil }

// ReconcileAll is a no-op
func (*NoopEnforcer) ReconcileAll([]*models.ClientSession) error { return nil }

// grant is the applied per-client state
type grant struct {
	ip      string
	dlMbps  int
	ulMbps  int
	classID int
}

// TCEnforcer shapes with tc HTB classes and gates forwarding with an
// iptables accept chain. A client without an accept rule is cut entirely;
// the portal redirect for cut clients is a collaborating subsystem.
type TCEnforcer struct {
	runner CommandRunner
	iface  string
	chain  string

	mu     sync.Mutex
	grants map[models.MAC]grant
	nextID int
}

// NewTCEnforcer creates an enforcer for the given LAN interface
func NewTCEnforcer(runner CommandRunner, iface string) *TCEnforcer {
	return &TCEnforcer{
		runner: runner,
		iface:  iface,
		chain:  "VENDO_ALLOW",
		grants: make(map[models.MAC]grant),
		nextID: 10,
	}
}

// Setup prepares the root qdisc and the forwarding chain. Safe to call on
// every start; existing state is replaced.
func (e *TCEnforcer) Setup() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Chain may already exist
	e.runner.Run("iptables", "-N", e.chain)

	steps := [][]string{
		{"iptables", "-F", e.chain},
		{"tc", "qdisc", "replace", "dev", e.iface, "root", "handle", "1:", "htb", "default", "1"},
	}

	for _, step := range steps {
		if err := e.runner.Run(step[0], step[1:]...); err != nil {
			return fmt.Errorf("enforcer setup: %w", err)
		}
	}

	e.grants = make(map[models.MAC]grant)
	e.nextID = 10

	return nil
}

// Grant installs or updates forwarding and shaping for a client. Granting
// twice with the same values is a no-op.
func (e *TCEnforcer) Grant(mac models.MAC, ip string, downloadMbps, uploadMbps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, exists := e.grants[mac]
	if exists && existing.ip == ip && existing.dlMbps == downloadMbps && existing.ulMbps == uploadMbps {
		return nil
	}

	classID := e.nextID
	if exists {
		classID = existing.classID
	} else {
		e.nextID++
	}

	if !exists {
		if err := e.runner.Run("iptables",
			"-A", e.chain, "-m", "mac", "--mac-source", mac.String(), "-j", "ACCEPT",
		); err != nil {
			return fmt.Errorf("grant %s: %w", mac, err)
		}
	}

	if downloadMbps > 0 {
		if err := e.runner.Run("tc",
			"class", "replace", "dev", e.iface, "parent", "1:",
			"classid", fmt.Sprintf("1:%d", classID),
			"htb", "rate", fmt.Sprintf("%dmbit", downloadMbps),
		); err != nil {
			return fmt.Errorf("grant %s: %w", mac, err)
		}

		if err := e.runner.Run("tc",
			"filter", "replace", "dev", e.iface, "parent", "1:", "protocol", "ip",
			"prio", "1", "u32", "match", "ip", "dst", ip,
			"flowid", fmt.Sprintf("1:%d", classID),
		); err != nil {
			return fmt.Errorf("grant %s: %w", mac, err)
		}
	}

	// Upload cap is applied on ingress policing for the client's IP
	if uploadMbps > 0 {
		if err := e.runner.Run("tc",
			"filter", "replace", "dev", e.iface, "parent", "ffff:", "protocol", "ip",
			"prio", "1", "u32", "match", "ip", "src", ip,
			"police", "rate", fmt.Sprintf("%dmbit", uploadMbps), "burst", "256k", "drop",
		); err != nil {
			return fmt.Errorf("grant %s: %w", mac, err)
		}
	}

	e.grants[mac] = grant{ip: ip, dlMbps: downloadMbps, ulMbps: uploadMbps, classID: classID}

	log.Debug().
		Str("mac", mac.String()).
		Str("ip", ip).
		Int("download_mbps", downloadMbps).
		Int("upload_mbps", uploadMbps).
		Msg("Enforcement grant applied")

	return nil
}

// Revoke removes forwarding and shaping for a client. Revoking an
// already-revoked client is a no-op.
func (e *TCEnforcer) Revoke(mac models.MAC) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, exists := e.grants[mac]
	if !exists {
		return nil
	}

	if err := e.runner.Run("iptables",
		"-D", e.chain, "-m", "mac", "--mac-source", mac.String(), "-j", "ACCEPT",
	); err != nil {
		return fmt.Errorf("revoke %s: %w", mac, err)
	}

	// Removing the class also drops its filters
	if g.dlMbps > 0 {
		e.runner.Run("tc", "class", "del", "dev", e.iface, "parent", "1:",
			"classid", fmt.Sprintf("1:%d", g.classID))
	}

	delete(e.grants, mac)

	log.Debug().Str("mac", mac.String()).Msg("Enforcement grant revoked")

	return nil
}

// ReconcileAll rebuilds enforcement state purely from ledger state after a
// restart. Active sessions get grants; everything else stays cut.
func (e *TCEnforcer) ReconcileAll(sessions []*models.ClientSession) error {
	if err := e.Setup(); err != nil {
		return err
	}

	for _, s := range sessions {
		if s.State != models.SessionActive {
			continue
		}
		if err := e.Grant(s.MAC, s.IP, s.DownloadLimit, s.UploadLimit); err != nil {
			log.Error().Err(err).Str("mac", s.MAC.String()).Msg("Reconcile grant failed")
		}
	}

	log.Info().Int("sessions", len(sessions)).Msg("Enforcement state reconciled")

	return nil
}
