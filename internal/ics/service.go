package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Error taxonomy. Operations wrap these sentinels inside a ServiceError so
// callers can branch with errors.Is while logs keep the operation.reason code.
var (
	// ErrInvalidArgument indicates malformed or self-referential identifiers.
	ErrInvalidArgument = errors.New("ics: invalid argument")
	// ErrNotFound indicates an unknown sync id or an already-deleted target.
	ErrNotFound = errors.New("ics: not found")
	// ErrPermissionDenied indicates the caller lacks visibility on the target.
	ErrPermissionDenied = errors.New("ics: permission denied")
	// ErrTypeMismatch indicates a sync id queried as a different kind than it
	// was registered for.
	ErrTypeMismatch = errors.New("ics: sync kind mismatch")
	// ErrTransportFailure indicates the backing store was unreachable; always
	// retryable.
	ErrTransportFailure = errors.New("ics: transport failure")

	errMissingDatabase     = errors.New("database handle is required")
	errMissingInstanceGUID = errors.New("server instance GUID is required")
	noOpLogger             = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	opServiceNew = "ics.service.new"
)

// ServiceConfig assembles the dependencies of the synchronization core.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	InstanceGUID uuid.UUID
	Logger       *zap.Logger
	Bus          *EventBus

	// LogAllChanges disables the load-shedding skip of message changes
	// under folders no contents subscription covers.
	LogAllChanges bool
	// StrictHierarchyVisibility makes a hierarchy query fail with
	// ErrPermissionDenied instead of silently skipping subtrees the caller
	// cannot see.
	StrictHierarchyVisibility bool
	// SyncRetention is how long an idle subscription survives before
	// maintenance reclaims it.
	SyncRetention time.Duration
}

const defaultSyncRetention = 90 * 24 * time.Hour

// Service is the synchronization core: change log, subscription registry,
// differential queries, and maintenance, all over one backing store.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	instanceGUID [16]byte
	logger       *zap.Logger
	bus          *EventBus

	logAllChanges    bool
	strictVisibility bool
	syncRetention    time.Duration
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.InstanceGUID == uuid.Nil {
		return nil, newServiceError(opServiceNew, "missing_instance_guid", errMissingInstanceGUID)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retention := cfg.SyncRetention
	if retention <= 0 {
		retention = defaultSyncRetention
	}

	service := &Service{
		db:               cfg.Database,
		clock:            clock,
		logger:           logger,
		bus:              cfg.Bus,
		logAllChanges:    cfg.LogAllChanges,
		strictVisibility: cfg.StrictHierarchyVisibility,
		syncRetention:    retention,
	}
	copy(service.instanceGUID[:], cfg.InstanceGUID[:])
	return service, nil
}

// InstanceGUID returns the GUID stamped into locally generated change keys.
func (s *Service) InstanceGUID() [16]byte {
	return s.instanceGUID
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ics service error", attrs...)
}

func (s *Service) nowSeconds() int64 {
	return s.clock().UTC().Unix()
}
