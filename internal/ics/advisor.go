package ics

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const notificationBufferSize = 64

var (
	errMissingService = errors.New("ics service is required")
	errMissingBus     = errors.New("event bus is required")
	// ErrAdvisorClosed indicates use of an advisor after Close.
	ErrAdvisorClosed = errors.New("ics: change advisor closed")
)

// AdvisoryNotification tells an advisory client that a monitored subscription
// moved to a new change id.
type AdvisoryNotification struct {
	SyncID   SyncID
	ChangeID ChangeID
}

// ChangeAdvisorConfig assembles a ChangeAdvisor.
type ChangeAdvisorConfig struct {
	Service *Service
	Bus     *EventBus
	Caller  Caller
	Logger  *zap.Logger
}

// ChangeAdvisor lets a caller register interest in a set of folders by source
// key and receive push notifications instead of polling. The caller's key set
// is the source of truth: after a store reconnect the advisor re-issues every
// subscription itself from that set.
type ChangeAdvisor struct {
	service *Service
	bus     *EventBus
	caller  Caller
	logger  *zap.Logger

	mu        sync.Mutex
	monitored map[string]*advisedKey
	states    map[SyncID]ChangeID
	closed    bool

	notifications chan AdvisoryNotification
	rootCtx       context.Context
	cancel        context.CancelFunc
}

type advisedKey struct {
	key    SourceKey
	syncID SyncID
	cancel func()
}

// NewChangeAdvisor validates the configuration and starts the reconnect
// listener.
func NewChangeAdvisor(cfg ChangeAdvisorConfig) (*ChangeAdvisor, error) {
	if cfg.Service == nil {
		return nil, errMissingService
	}
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	advisor := &ChangeAdvisor{
		service:       cfg.Service,
		bus:           cfg.Bus,
		caller:        cfg.Caller,
		logger:        logger,
		monitored:     make(map[string]*advisedKey),
		states:        make(map[SyncID]ChangeID),
		notifications: make(chan AdvisoryNotification, notificationBufferSize),
		rootCtx:       rootCtx,
		cancel:        cancel,
	}
	go advisor.listenReconnects()
	return advisor, nil
}

// Notifications is the asynchronous stream of sync-id/change-id pairs.
func (a *ChangeAdvisor) Notifications() <-chan AdvisoryNotification {
	return a.notifications
}

// Config seeds the advisor from a previously persisted state list and begins
// monitoring the advised keys.
func (a *ChangeAdvisor) Config(ctx context.Context, states []SyncState, keys []SourceKey) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdvisorClosed
	}
	for _, state := range states {
		if state.SyncID == 0 {
			continue
		}
		a.states[state.SyncID] = state.ChangeID
	}
	a.mu.Unlock()
	return a.AddKeys(ctx, keys)
}

// AddKeys begins monitoring the given folder source keys, registering a
// contents subscription for any key that does not have one yet.
func (a *ChangeAdvisor) AddKeys(ctx context.Context, keys []SourceKey) error {
	for _, key := range keys {
		if key.IsZero() {
			continue
		}
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return ErrAdvisorClosed
		}
		if _, exists := a.monitored[key.String()]; exists {
			a.mu.Unlock()
			continue
		}
		a.mu.Unlock()

		state, err := a.service.GetOrCreateSubscription(ctx, a.caller, 0, key, SyncKindContents)
		if err != nil {
			return err
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return ErrAdvisorClosed
		}
		advised := &advisedKey{key: key, syncID: state.SyncID}
		a.monitored[key.String()] = advised
		if _, known := a.states[state.SyncID]; !known {
			a.states[state.SyncID] = state.ChangeID
		}
		a.startListening(advised)
		a.mu.Unlock()
	}
	return nil
}

// RemoveKeys stops monitoring the given keys. Unknown keys are ignored.
func (a *ChangeAdvisor) RemoveKeys(keys []SourceKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range keys {
		advised, exists := a.monitored[key.String()]
		if !exists {
			continue
		}
		if advised.cancel != nil {
			advised.cancel()
		}
		delete(a.monitored, key.String())
		delete(a.states, advised.syncID)
	}
}

// IsMonitoringSyncID reports whether the advisor tracks the subscription.
func (a *ChangeAdvisor) IsMonitoringSyncID(syncID SyncID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, monitored := a.states[syncID]
	return monitored
}

// UpdateSyncState records the caller-confirmed watermark so duplicate
// notifications below it are dropped.
func (a *ChangeAdvisor) UpdateSyncState(syncID SyncID, changeID ChangeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, monitored := a.states[syncID]; !monitored {
		return
	}
	if changeID > a.states[syncID] {
		a.states[syncID] = changeID
	}
}

// SyncStates snapshots the monitored states for persistence across restarts.
func (a *ChangeAdvisor) SyncStates() []SyncState {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make([]SyncState, 0, len(a.states))
	for syncID, changeID := range a.states {
		states = append(states, SyncState{SyncID: syncID, ChangeID: changeID})
	}
	return states
}

// PurgeStates drops state entries whose backing subscription is no longer
// monitored, for example after a failed re-subscribe.
func (a *ChangeAdvisor) PurgeStates() {
	a.mu.Lock()
	defer a.mu.Unlock()
	live := make(map[SyncID]bool, len(a.monitored))
	for _, advised := range a.monitored {
		live[advised.syncID] = true
	}
	for syncID := range a.states {
		if !live[syncID] {
			delete(a.states, syncID)
		}
	}
}

// Close tears the advisor down and ends the notification stream.
func (a *ChangeAdvisor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, advised := range a.monitored {
		if advised.cancel != nil {
			advised.cancel()
		}
	}
	a.monitored = make(map[string]*advisedKey)
	a.mu.Unlock()
	a.cancel()
	close(a.notifications)
}

// startListening wires one advised key to the bus. Caller holds the mutex.
// Each key gets its own child context so removal or re-subscription tears
// down exactly one listener.
func (a *ChangeAdvisor) startListening(advised *advisedKey) {
	keyCtx, keyCancel := context.WithCancel(a.rootCtx)
	stream, _ := a.bus.Subscribe(keyCtx, advised.key)
	advised.cancel = keyCancel
	go a.consume(keyCtx, advised.syncID, stream)
}

func (a *ChangeAdvisor) consume(ctx context.Context, syncID SyncID, stream <-chan ChangeEvent) {
	for {
		var event ChangeEvent
		select {
		case <-ctx.Done():
			return
		case received, ok := <-stream:
			if !ok {
				return
			}
			event = received
		}
		if event.SyncID != syncID {
			continue
		}
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		last, monitored := a.states[syncID]
		if !monitored || event.ChangeID <= last {
			a.mu.Unlock()
			continue
		}
		a.states[syncID] = event.ChangeID
		// The send stays under the mutex so Close cannot slip between the
		// closed check and the send.
		select {
		case a.notifications <- AdvisoryNotification{SyncID: syncID, ChangeID: event.ChangeID}:
		default:
			a.logger.Warn("advisory notification dropped",
				zap.Uint32("sync_id", uint32(syncID)),
				zap.Uint32("change_id", uint32(event.ChangeID)))
		}
		a.mu.Unlock()
	}
}

// listenReconnects re-issues every subscription after the backing connection
// is rebuilt. The advised key set, not the store, is the source of truth.
func (a *ChangeAdvisor) listenReconnects() {
	signals, cancel := a.bus.SubscribeReconnect(a.rootCtx)
	defer cancel()
	for {
		select {
		case <-a.rootCtx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			a.resubscribeAll()
		}
	}
}

func (a *ChangeAdvisor) resubscribeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for _, advised := range a.monitored {
		if advised.cancel != nil {
			advised.cancel()
		}
		a.startListening(advised)
	}
	a.logger.Info("advisory subscriptions reissued", zap.Int("count", len(a.monitored)))
}
