package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface. While the process is live the
// session ledger and device registry own their state; the store is the
// crash-durable shadow used for restart recovery and reporting.
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Session methods
	SaveSession(ctx context.Context, session *models.ClientSession) error
	GetSession(ctx context.Context, mac models.MAC) (*models.ClientSession, error)
	DeleteSession(ctx context.Context, mac models.MAC) error
	ListSessions(ctx context.Context) ([]*models.ClientSession, error)

	// Sub-vendo device methods
	CreateDevice(ctx context.Context, device *models.SubVendoDevice) error
	GetDevice(ctx context.Context, id uuid.UUID) (*models.SubVendoDevice, error)
	GetDeviceByMAC(ctx context.Context, mac models.MAC) (*models.SubVendoDevice, error)
	UpdateDevice(ctx context.Context, device *models.SubVendoDevice) error
	DeleteDevice(ctx context.Context, id uuid.UUID) error
	ListDevices(ctx context.Context) ([]*models.SubVendoDevice, error)

	// Main controller rate table
	GetMainRates(ctx context.Context) (models.RateTable, error)
	ReplaceMainRates(ctx context.Context, rates models.RateTable) error

	// Voucher methods
	CreateVoucher(ctx context.Context, voucher *models.Voucher) error
	GetVoucherByCode(ctx context.Context, code string) (*models.Voucher, error)
	UpdateVoucher(ctx context.Context, voucher *models.Voucher) error
	DeleteVoucher(ctx context.Context, id uuid.UUID) error
	ListVouchers(ctx context.Context, includeUsed bool, limit, offset int) ([]*models.Voucher, int64, error)

	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	// Settings (bandwidth defaults + license state)
	GetBandwidthDefaults(ctx context.Context) (*models.BandwidthDefaults, error)
	SaveBandwidthDefaults(ctx context.Context, defaults *models.BandwidthDefaults) error
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Schema bootstrap
	Migrate(ctx context.Context) error

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	MAC       *models.MAC
	DeviceID  *uuid.UUID
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
