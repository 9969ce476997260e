package ics

import (
	"context"
	"fmt"
)

const (
	opExportConfig      = "ics.export.config"
	opExportSynchronize = "ics.export.synchronize"
)

// ExportSession drives a differential export for one contents or hierarchy
// subscription. The opaque cookie handed back by State is all a client must
// persist between runs.
type ExportSession struct {
	service   *Service
	caller    Caller
	targetKey SourceKey
	kind      SyncKind
	flags     uint32
	restrict  Restriction

	syncID   SyncID
	changeID ChangeID
}

// ExportSessionConfig assembles an ExportSession.
type ExportSessionConfig struct {
	Caller      Caller
	TargetKey   SourceKey
	Kind        SyncKind
	Flags       uint32
	Restriction Restriction
}

// NewExportSession binds an export session to a folder. The cookie is the
// state returned by a previous session's State call; empty starts a fresh
// synchronization and allocates a new subscription.
func (s *Service) NewExportSession(ctx context.Context, cfg ExportSessionConfig, cookie []byte) (*ExportSession, error) {
	if cfg.Kind != SyncKindContents && cfg.Kind != SyncKindHierarchy {
		return nil, newServiceError(opExportConfig, "invalid_kind", fmt.Errorf("%w: %v", ErrInvalidArgument, ErrInvalidSyncKind))
	}
	state, err := DecodeSyncState(cookie)
	if err != nil {
		return nil, newServiceError(opExportConfig, "corrupt_cookie", err)
	}
	sub, err := s.GetOrCreateSubscription(ctx, cfg.Caller, state.SyncID, cfg.TargetKey, cfg.Kind)
	if err != nil {
		return nil, err
	}
	return &ExportSession{
		service:   s,
		caller:    cfg.Caller,
		targetKey: cfg.TargetKey,
		kind:      cfg.Kind,
		flags:     cfg.Flags,
		restrict:  cfg.Restriction,
		syncID:    sub.SyncID,
		changeID:  state.ChangeID,
	}, nil
}

// SyncID exposes the subscription the session is bound to.
func (e *ExportSession) SyncID() SyncID {
	return e.syncID
}

// Synchronize runs one differential query from the session's watermark and
// advances it to the returned batch's position.
func (e *ExportSession) Synchronize(ctx context.Context) (ChangeBatch, error) {
	batch, err := e.service.GetChanges(ctx, e.caller, ChangeQuery{
		SyncID:      e.syncID,
		TargetKey:   e.targetKey,
		ChangeID:    e.changeID,
		Kind:        e.kind,
		Flags:       e.flags,
		Restriction: e.restrict,
	})
	if err != nil {
		return ChangeBatch{}, err
	}
	e.changeID = batch.MaxChangeID
	return batch, nil
}

// State encodes the resumable cookie for the session's current position.
func (e *ExportSession) State() []byte {
	return EncodeSyncState(SyncState{SyncID: e.syncID, ChangeID: e.changeID})
}

// DirectoryExportSession drives an address-book export. Unlike folder
// exports, directory changes are applied one at a time and the cookie tracks
// which changes of the in-flight batch were already processed, so an
// interrupted run resumes without re-emitting them.
type DirectoryExportSession struct {
	service *Service
	caller  Caller

	syncID    SyncID
	changeID  ChangeID
	processed map[ChangeID]struct{}
	pendingTo ChangeID
}

// NewDirectoryExportSession binds a directory export session. Unlike folder
// cookies the directory cookie carries no sync id, so the subscription is
// named separately; zero allocates a new one. An empty cookie starts from
// scratch.
func (s *Service) NewDirectoryExportSession(ctx context.Context, caller Caller, syncID SyncID, cookie []byte) (*DirectoryExportSession, error) {
	state, err := DecodeDirectorySyncState(cookie)
	if err != nil {
		return nil, newServiceError(opExportConfig, "corrupt_cookie", err)
	}
	sub, err := s.GetOrCreateSubscription(ctx, caller, syncID, nil, SyncKindDirectory)
	if err != nil {
		return nil, err
	}
	processed := make(map[ChangeID]struct{}, len(state.Processed))
	for _, id := range state.Processed {
		processed[id] = struct{}{}
	}
	return &DirectoryExportSession{
		service:   s,
		caller:    caller,
		syncID:    sub.SyncID,
		changeID:  state.ChangeID,
		processed: processed,
		pendingTo: state.ChangeID,
	}, nil
}

// SyncID exposes the subscription the session is bound to.
func (d *DirectoryExportSession) SyncID() SyncID {
	return d.syncID
}

// Synchronize fetches the coalesced directory changes past the session's
// watermark, with changes already marked processed filtered out.
func (d *DirectoryExportSession) Synchronize(ctx context.Context) (DirectoryBatch, error) {
	batch, err := d.service.queryDirectoryChanges(ctx, d.caller, ChangeQuery{
		SyncID:   d.syncID,
		ChangeID: d.changeID,
		Kind:     SyncKindDirectory,
	})
	if err != nil {
		return DirectoryBatch{}, err
	}
	remaining := batch.Changes[:0]
	for _, change := range batch.Changes {
		if _, done := d.processed[change.ChangeID]; done {
			continue
		}
		remaining = append(remaining, change)
	}
	batch.Changes = remaining
	d.pendingTo = batch.MaxChangeID
	return batch, nil
}

// MarkProcessed records one applied change so a cookie cut before UpdateState
// will not replay it.
func (d *DirectoryExportSession) MarkProcessed(changeID ChangeID) {
	d.processed[changeID] = struct{}{}
}

// UpdateState completes the in-flight batch: the watermark advances to the
// batch's end and the processed set is cleared.
func (d *DirectoryExportSession) UpdateState() {
	if d.pendingTo > d.changeID {
		d.changeID = d.pendingTo
	}
	d.processed = make(map[ChangeID]struct{})
}

// State encodes the resumable cookie for the session's current position,
// including any partially applied batch.
func (d *DirectoryExportSession) State() []byte {
	state := DirectorySyncState{ChangeID: d.changeID}
	for id := range d.processed {
		state.Processed = append(state.Processed, id)
	}
	return EncodeDirectorySyncState(state)
}
