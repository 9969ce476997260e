package ics

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrCorruptSyncState indicates a sync-state cookie that cannot be decoded.
// Corrupt cookies are surfaced to the caller, never silently repaired.
var ErrCorruptSyncState = errors.New("ics: corrupt sync state")

const syncStateLength = 8

// EncodeSyncState renders the folder-sync cookie: sync id then change id,
// both unsigned 32-bit little-endian.
func EncodeSyncState(state SyncState) []byte {
	raw := make([]byte, syncStateLength)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(state.SyncID))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(state.ChangeID))
	return raw
}

// DecodeSyncState parses a folder-sync cookie. An empty cookie is a fresh
// subscription (both fields zero).
func DecodeSyncState(raw []byte) (SyncState, error) {
	if len(raw) == 0 {
		return SyncState{}, nil
	}
	if len(raw) != syncStateLength {
		return SyncState{}, fmt.Errorf("%w: %d bytes", ErrCorruptSyncState, len(raw))
	}
	return SyncState{
		SyncID:   SyncID(binary.LittleEndian.Uint32(raw[0:4])),
		ChangeID: ChangeID(binary.LittleEndian.Uint32(raw[4:8])),
	}, nil
}

// DirectorySyncState is the resumable position of a directory export: the
// confirmed watermark plus the set of change ids already delivered from the
// current batch but not yet folded into the watermark.
type DirectorySyncState struct {
	ChangeID  ChangeID
	Processed []ChangeID
}

// EncodeDirectorySyncState renders the directory cookie: change id, then the
// processed-set count, then each processed id, all unsigned 32-bit
// little-endian. Processed ids are emitted in ascending order so equal states
// encode identically.
func EncodeDirectorySyncState(state DirectorySyncState) []byte {
	processed := append([]ChangeID(nil), state.Processed...)
	sort.Slice(processed, func(i, j int) bool { return processed[i] < processed[j] })

	raw := make([]byte, 8+4*len(processed))
	binary.LittleEndian.PutUint32(raw[0:4], uint32(state.ChangeID))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(len(processed)))
	for index, changeID := range processed {
		binary.LittleEndian.PutUint32(raw[8+4*index:], uint32(changeID))
	}
	return raw
}

// DecodeDirectorySyncState parses a directory cookie. An empty cookie is a
// fresh subscription.
func DecodeDirectorySyncState(raw []byte) (DirectorySyncState, error) {
	if len(raw) == 0 {
		return DirectorySyncState{}, nil
	}
	if len(raw) < 8 {
		return DirectorySyncState{}, fmt.Errorf("%w: %d bytes", ErrCorruptSyncState, len(raw))
	}
	state := DirectorySyncState{
		ChangeID: ChangeID(binary.LittleEndian.Uint32(raw[0:4])),
	}
	count := binary.LittleEndian.Uint32(raw[4:8])
	if len(raw) != 8+4*int(count) {
		return DirectorySyncState{}, fmt.Errorf("%w: count %d does not match %d bytes", ErrCorruptSyncState, count, len(raw))
	}
	for index := 0; index < int(count); index++ {
		state.Processed = append(state.Processed, ChangeID(binary.LittleEndian.Uint32(raw[8+4*index:])))
	}
	return state, nil
}
