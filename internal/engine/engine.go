package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/enforcer"
	"github.com/vendo-server/vendo-server-pro/internal/license"
	"github.com/vendo-server/vendo-server-pro/internal/models"
	"github.com/vendo-server/vendo-server-pro/internal/registry"
	"github.com/vendo-server/vendo-server-pro/internal/storage"
)

// Subject prefix for session change notifications on the internal bus
const sessionSubjectPrefix = "vendo.session."

// Store is the slice of storage the engine needs
type Store interface {
	SaveSession(ctx context.Context, session *models.ClientSession) error
	DeleteSession(ctx context.Context, mac models.MAC) error
	ListSessions(ctx context.Context) ([]*models.ClientSession, error)
	GetMainRates(ctx context.Context) (models.RateTable, error)
	GetBandwidthDefaults(ctx context.Context) (*models.BandwidthDefaults, error)
	GetVoucherByCode(ctx context.Context, code string) (*models.Voucher, error)
	UpdateVoucher(ctx context.Context, voucher *models.Voucher) error
	CreateEventLog(ctx context.Context, event *models.EventLog) error
}

// Config holds engine timing knobs
type Config struct {
	TickInterval  time.Duration
	SnapshotEvery time.Duration
	QueueSize     int
}

// Engine is the admission pipeline: it validates payment events, resolves
// them against rate tables, mutates the session ledger, and fans the result
// out to the bandwidth enforcer, the durable store and the internal bus.
// Enforcement and persistence are applied asynchronously, outside the
// ledger's per-MAC critical section, so slow rule installation or a slow
// database never stalls crediting.
type Engine struct {
	ledger   *Ledger
	clock    *Clock
	store    Store
	registry *registry.Registry
	gate     *license.Gate
	enforcer enforcer.Enforcer
	nc       *nats.Conn
	cfg      Config

	queue    chan sessionJob
	wg       sync.WaitGroup
	degraded atomic.Bool
}

// sessionJob carries one session snapshot through the async side effects.
// Jobs for the same MAC are applied in submission order by the single
// worker.
type sessionJob struct {
	session *models.ClientSession
	deleted bool
}

// New creates an engine. nc may be nil when the internal bus is disabled.
func New(store Store, reg *registry.Registry, gate *license.Gate, enf enforcer.Enforcer, nc *nats.Conn, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	e := &Engine{
		ledger:   NewLedger(),
		store:    store,
		registry: reg,
		gate:     gate,
		enforcer: enf,
		nc:       nc,
		cfg:      cfg,
		queue:    make(chan sessionJob, cfg.QueueSize),
	}
	e.clock = NewClock(e.ledger, cfg.TickInterval, e.handleExpired)

	return e
}

// Start recovers the ledger from the store, rebuilds enforcement state and
// launches the clock and the side-effect worker. Goroutines stop when ctx
// is cancelled; Wait blocks until they have drained.
func (e *Engine) Start(ctx context.Context) error {
	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	e.ledger.Seed(sessions)

	if err := e.enforcer.ReconcileAll(e.ledger.List()); err != nil {
		return fmt.Errorf("reconcile enforcement: %w", err)
	}

	log.Info().Int("sessions", len(sessions)).Msg("Session ledger recovered")

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.worker(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.clock.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.snapshotLoop(ctx)
	}()

	return nil
}

// Wait blocks until the background goroutines have stopped
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Healthy reports false while persistence writes are failing. The ledger
// keeps serving in that window; only crash durability is degraded.
func (e *Engine) Healthy() bool {
	return !e.degraded.Load()
}

// Credit runs one payment event through the admission pipeline and returns
// the resulting session snapshot. Rejections are typed: rate, device,
// voucher and license failures each surface their own sentinel and leave
// the ledger untouched.
func (e *Engine) Credit(ctx context.Context, event models.PaymentEvent) (*models.ClientSession, error) {
	session, err := e.credit(ctx, event)
	if err != nil {
		e.logEvent(ctx, &event.MAC, deviceIDOf(event.Source), models.EventTypeCreditRejected, models.EventLevelWarning,
			fmt.Sprintf("Credit of %d from %s rejected: %v", event.Amount, event.Source, err))
		return nil, err
	}
	return session, nil
}

func (e *Engine) credit(ctx context.Context, event models.PaymentEvent) (*models.ClientSession, error) {
	if event.MAC == (models.MAC{}) {
		return nil, ErrInvalidMAC
	}

	if err := e.gate.Check(); err != nil {
		return nil, err
	}

	var voucher *models.Voucher
	amount := event.Amount

	switch event.Source.Kind {
	case models.SourceVoucher:
		v, err := e.store.GetVoucherByCode(ctx, event.Source.Code)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrVoucherNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load voucher: %w", err)
		}
		if v.IsUsed() {
			return nil, ErrVoucherUsed
		}
		voucher = v
		amount = v.Amount
	case models.SourceCoin, models.SourceSubVendo:
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
	default:
		return nil, fmt.Errorf("%w: unknown payment source %q", ErrInvalidAmount, event.Source.Kind)
	}

	table, err := e.rateTable(ctx, event.Source)
	if err != nil {
		return nil, err
	}

	entry, err := table.Resolve(amount)
	if err != nil {
		return nil, err
	}

	dlLimit, ulLimit := e.effectiveLimits(ctx, entry)

	session := e.ledger.Credit(event.MAC, event.IP, int64(entry.Minutes)*60, dlLimit, ulLimit, amount)

	if voucher != nil {
		now := time.Now()
		voucher.UsedAt = &now
		voucher.UsedBy = &event.MAC
		if err := e.store.UpdateVoucher(ctx, voucher); err != nil {
			log.Error().Err(err).Str("code", voucher.Code).Msg("Failed to mark voucher used")
		}
		e.logEvent(ctx, &event.MAC, nil, models.EventTypeVoucherRedeem, models.EventLevelInfo,
			fmt.Sprintf("Voucher %s redeemed for %d minutes", voucher.Code, entry.Minutes))
	}

	if event.Source.Kind == models.SourceSubVendo {
		if err := e.registry.RecordCredit(ctx, event.Source.DeviceID, amount); err != nil {
			log.Error().Err(err).Str("device", event.Source.DeviceID.String()).Msg("Failed to record device credit")
		}
	}

	e.logEvent(ctx, &event.MAC, deviceIDOf(event.Source), models.EventTypeCredit, models.EventLevelInfo,
		fmt.Sprintf("Credited %d minutes for %d via %s", entry.Minutes, amount, event.Source))

	log.Info().
		Str("mac", event.MAC.String()).
		Int64("amount", amount).
		Int("minutes", entry.Minutes).
		Str("source", event.Source.String()).
		Int64("remaining_seconds", session.RemainingSeconds).
		Msg("Session credited")

	e.submit(session, false)

	return session, nil
}

// rateTable returns the table the event's source resolves against: the
// crediting device's own table for sub-vendo events, the main controller
// table for everything else.
func (e *Engine) rateTable(ctx context.Context, source models.PaymentSource) (models.RateTable, error) {
	if source.Kind == models.SourceSubVendo {
		return e.registry.CreditTable(source.DeviceID)
	}

	table, err := e.store.GetMainRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rates: %w", err)
	}
	return table, nil
}

// effectiveLimits fills zero rate-entry caps from the global bandwidth
// defaults. A zero default keeps the cap unlimited.
func (e *Engine) effectiveLimits(ctx context.Context, entry models.RateEntry) (int, int) {
	dl, ul := entry.DownloadLimit, entry.UploadLimit
	if dl > 0 && ul > 0 {
		return dl, ul
	}

	defaults, err := e.store.GetBandwidthDefaults(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load bandwidth defaults")
		return dl, ul
	}
	if dl == 0 {
		dl = defaults.DownloadLimit
	}
	if ul == 0 {
		ul = defaults.UploadLimit
	}
	return dl, ul
}

// Pause freezes a session's countdown and cuts its network access
func (e *Engine) Pause(ctx context.Context, mac models.MAC) (*models.ClientSession, error) {
	session, err := e.ledger.Pause(mac)
	if err != nil {
		return nil, err
	}

	e.logEvent(ctx, &mac, nil, models.EventTypeSessionPaused, models.EventLevelInfo,
		fmt.Sprintf("Session paused with %d seconds remaining", session.RemainingSeconds))
	e.submit(session, false)

	return session, nil
}

// Resume reactivates a paused session and restores its network access
func (e *Engine) Resume(ctx context.Context, mac models.MAC) (*models.ClientSession, error) {
	session, err := e.ledger.Resume(mac)
	if err != nil {
		return nil, err
	}

	e.logEvent(ctx, &mac, nil, models.EventTypeSessionResumed, models.EventLevelInfo,
		fmt.Sprintf("Session resumed with %d seconds remaining", session.RemainingSeconds))
	e.submit(session, false)

	return session, nil
}

// Edit applies an administrator's direct session edit
func (e *Engine) Edit(ctx context.Context, mac models.MAC, edit SessionEdit) (*models.ClientSession, error) {
	session, err := e.ledger.Edit(mac, edit)
	if err != nil {
		return nil, err
	}

	e.logEvent(ctx, &mac, nil, models.EventTypeSessionEdited, models.EventLevelInfo, "Session edited by administrator")
	e.submit(session, false)

	return session, nil
}

// Disconnect marks a session disconnected and cuts its access, keeping the
// remaining balance for a later credit.
func (e *Engine) Disconnect(ctx context.Context, mac models.MAC) (*models.ClientSession, error) {
	session, err := e.ledger.Disconnect(mac)
	if err != nil {
		return nil, err
	}

	e.submit(session, false)

	return session, nil
}

// Delete removes a session entirely, revoking access and dropping the
// persisted row.
func (e *Engine) Delete(ctx context.Context, mac models.MAC) error {
	session, err := e.ledger.Delete(mac)
	if err != nil {
		return err
	}

	e.submit(session, true)

	return nil
}

// Observe records connection metadata for a client without crediting
func (e *Engine) Observe(mac models.MAC, ip, hostname string) {
	e.ledger.Observe(mac, ip, hostname)
}

// Session returns a snapshot of one session
func (e *Engine) Session(mac models.MAC) (*models.ClientSession, error) {
	return e.ledger.Get(mac)
}

// Sessions returns snapshots of all sessions
func (e *Engine) Sessions() []*models.ClientSession {
	return e.ledger.List()
}

// handleExpired runs on the clock goroutine for sessions that hit zero
func (e *Engine) handleExpired(expired []*models.ClientSession) {
	ctx := context.Background()

	for _, s := range expired {
		log.Info().Str("mac", s.MAC.String()).Msg("Session expired")
		mac := s.MAC
		e.logEvent(ctx, &mac, nil, models.EventTypeSessionExpired, models.EventLevelInfo, "Paid time exhausted")
		e.submit(s, false)
	}
}

// submit queues a snapshot for enforcement, persistence and bus publication.
// A full queue blocks the caller until the worker frees a slot: jobs for the
// same MAC must apply in submission order, so jumping the queue is never an
// option. An inline apply here could run a pause's revoke ahead of a still
// queued credit's grant and leave a paused client with network access.
func (e *Engine) submit(session *models.ClientSession, deleted bool) {
	job := sessionJob{session: session, deleted: deleted}
	select {
	case e.queue <- job:
	default:
		log.Warn().Str("mac", session.MAC.String()).Msg("Side-effect queue full, waiting for worker")
		e.queue <- job
	}
}

// worker drains the side-effect queue
func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued before exiting
			for {
				select {
				case job := <-e.queue:
					e.apply(context.Background(), job)
				default:
					return
				}
			}
		case job := <-e.queue:
			e.apply(ctx, job)
		}
	}
}

// apply performs the enforcement, persistence and publication for one
// snapshot. Ledger state already changed; failures here are logged and
// retried by the periodic snapshot or the next reconcile, never bounced
// back into the ledger.
func (e *Engine) apply(ctx context.Context, job sessionJob) {
	s := job.session

	var enfErr error
	if !job.deleted && s.State == models.SessionActive {
		enfErr = e.enforcer.Grant(s.MAC, s.IP, s.DownloadLimit, s.UploadLimit)
	} else {
		enfErr = e.enforcer.Revoke(s.MAC)
	}
	if enfErr != nil {
		log.Error().Err(enfErr).Str("mac", s.MAC.String()).Msg("Enforcement update failed")
	}

	var storeErr error
	if job.deleted {
		storeErr = e.store.DeleteSession(ctx, s.MAC)
	} else {
		storeErr = e.store.SaveSession(ctx, s)
	}
	if storeErr != nil {
		if e.degraded.CompareAndSwap(false, true) {
			log.Error().Err(storeErr).Msg("Session persistence failing, durability degraded")
		}
	} else if e.degraded.CompareAndSwap(true, false) {
		log.Info().Msg("Session persistence recovered")
	}

	e.publish(s, job.deleted)
}

// publish pushes the snapshot onto the internal bus for the dashboard feed
// and integrations
func (e *Engine) publish(session *models.ClientSession, deleted bool) {
	if e.nc == nil {
		return
	}

	subject := sessionSubjectPrefix + hex.EncodeToString(session.MAC[:])

	payload := struct {
		*models.ClientSession
		IsPaused bool `json:"isPaused"`
		Deleted  bool `json:"deleted,omitempty"`
	}{session, session.IsPaused(), deleted}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	if err := e.nc.Publish(subject, data); err != nil {
		log.Debug().Err(err).Str("subject", subject).Msg("Session publish failed")
	}
}

// snapshotLoop periodically writes every session to the store, bounding
// how much countdown progress a crash can lose.
func (e *Engine) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SnapshotEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush on shutdown
			e.flush(context.Background())
			return
		case <-ticker.C:
			e.flush(ctx)
		}
	}
}

func (e *Engine) flush(ctx context.Context) {
	failed := 0
	for _, s := range e.ledger.List() {
		if err := e.store.SaveSession(ctx, s); err != nil {
			failed++
		}
	}

	if failed > 0 {
		e.degraded.Store(true)
		log.Error().Int("failed", failed).Msg("Session snapshot flush incomplete")
	} else {
		e.degraded.Store(false)
	}
}

func (e *Engine) logEvent(ctx context.Context, mac *models.MAC, deviceID *uuid.UUID, eventType models.EventType, level models.EventLevel, description string) {
	event := &models.EventLog{
		MAC:         mac,
		DeviceID:    deviceID,
		Type:        eventType,
		Level:       level,
		Description: description,
	}
	if err := e.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}

// deviceIDOf extracts the crediting device id for audit rows, nil for
// non-device sources
func deviceIDOf(source models.PaymentSource) *uuid.UUID {
	if source.Kind == models.SourceSubVendo {
		id := source.DeviceID
		return &id
	}
	return nil
}
