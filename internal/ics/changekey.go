package ics

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	instanceGUIDLength = 16
	changeKeyLength    = instanceGUIDLength + 4
	maxPCLEntryLength  = 255
)

var (
	// ErrCorruptChangeKey indicates a change key that is not exactly 20 bytes.
	ErrCorruptChangeKey = errors.New("ics: corrupt change key")
	// ErrOversizedPCLEntry indicates an entry that cannot be length-prefixed
	// with a single byte.
	ErrOversizedPCLEntry = errors.New("ics: predecessor list entry exceeds 255 bytes")
)

// ChangeKey identifies one edit of an object: the GUID of the server instance
// that made the edit plus that instance's local change counter.
type ChangeKey struct {
	InstanceGUID  [16]byte
	LocalChangeID ChangeID
}

// Encode renders the fixed 20-byte wire form: 16 GUID bytes followed by the
// counter as an unsigned 32-bit little-endian value.
func (k ChangeKey) Encode() []byte {
	raw := make([]byte, changeKeyLength)
	copy(raw, k.InstanceGUID[:])
	binary.LittleEndian.PutUint32(raw[instanceGUIDLength:], uint32(k.LocalChangeID))
	return raw
}

// DecodeChangeKey parses the fixed 20-byte wire form.
func DecodeChangeKey(raw []byte) (ChangeKey, error) {
	if len(raw) != changeKeyLength {
		return ChangeKey{}, fmt.Errorf("%w: %d bytes", ErrCorruptChangeKey, len(raw))
	}
	var key ChangeKey
	copy(key.InstanceGUID[:], raw[:instanceGUIDLength])
	key.LocalChangeID = ChangeID(binary.LittleEndian.Uint32(raw[instanceGUIDLength:]))
	return key, nil
}

// String returns the hex form used in logs.
func (k ChangeKey) String() string {
	return hex.EncodeToString(k.Encode())
}

// PCL is a predecessor change list: the last change key seen from every
// server instance that has touched an object. The decoded form keeps each
// entry as raw bytes so entries longer than a change key survive a
// decode/encode round trip unchanged.
type PCL struct {
	entries [][]byte
	tail    []byte
}

// DecodePCL parses the length-prefixed wire form. An entry whose length
// prefix is less than or equal to the instance GUID length, or whose payload
// extends past the end of the input, terminates parsing; the unparsed tail is
// retained verbatim and re-emitted by Encode. Decoding therefore never fails.
func DecodePCL(raw []byte) PCL {
	var list PCL
	offset := 0
	for offset < len(raw) {
		entryLength := int(raw[offset])
		if entryLength <= instanceGUIDLength || offset+1+entryLength > len(raw) {
			list.tail = append([]byte(nil), raw[offset:]...)
			return list
		}
		entry := append([]byte(nil), raw[offset+1:offset+1+entryLength]...)
		list.entries = append(list.entries, entry)
		offset += 1 + entryLength
	}
	return list
}

// Encode renders the length-prefixed wire form, tail included.
func (p PCL) Encode() []byte {
	size := len(p.tail)
	for _, entry := range p.entries {
		size += 1 + len(entry)
	}
	raw := make([]byte, 0, size)
	for _, entry := range p.entries {
		raw = append(raw, byte(len(entry)))
		raw = append(raw, entry...)
	}
	return append(raw, p.tail...)
}

// Len returns the number of parsed entries.
func (p PCL) Len() int {
	return len(p.entries)
}

// Merge replaces the entry sharing the key's instance GUID, or appends a new
// entry when no instance match exists. The receiver is not modified.
func (p PCL) Merge(key ChangeKey) PCL {
	encoded := key.Encode()
	merged := PCL{
		entries: make([][]byte, len(p.entries)),
		tail:    p.tail,
	}
	replaced := false
	for index, entry := range p.entries {
		if bytes.HasPrefix(entry, key.InstanceGUID[:]) {
			merged.entries[index] = encoded
			replaced = true
			continue
		}
		merged.entries[index] = entry
	}
	if !replaced {
		merged.entries = append(merged.entries, encoded)
	}
	return merged
}

// Lookup returns the decoded change key recorded for the given instance, if
// an entry for it exists and is well formed.
func (p PCL) Lookup(instanceGUID [16]byte) (ChangeKey, bool) {
	for _, entry := range p.entries {
		if !bytes.HasPrefix(entry, instanceGUID[:]) {
			continue
		}
		key, err := DecodeChangeKey(entry)
		if err != nil {
			return ChangeKey{}, false
		}
		return key, true
	}
	return ChangeKey{}, false
}

// Contains reports whether the exact encoded key appears as an entry.
func (p PCL) Contains(key ChangeKey) bool {
	encoded := key.Encode()
	for _, entry := range p.entries {
		if bytes.Equal(entry, encoded) {
			return true
		}
	}
	return false
}

// MergePCL merges a change key into an encoded predecessor list and returns
// the updated encoding.
func MergePCL(rawPCL []byte, key ChangeKey) []byte {
	return DecodePCL(rawPCL).Merge(key).Encode()
}

// ConflictResult is the outcome of a causality comparison. The engine only
// signals conflicts; resolution policy belongs to the caller.
type ConflictResult int

const (
	// NoConflict means the edits are causally related.
	NoConflict ConflictResult = iota
	// Conflict means neither edit dominates the other.
	Conflict
)

// CompareForConflict decides whether a remote edit conflicts with the local
// state of the same object. A conflict exists only when the remote
// predecessor list records a value for our instance that differs from, and is
// older than, our current change key. Absence of our instance means the
// remote simply has not seen our edit yet, which is divergence the caller may
// resolve, not a conflict.
func CompareForConflict(localKey ChangeKey, remotePCL PCL) ConflictResult {
	recorded, found := remotePCL.Lookup(localKey.InstanceGUID)
	if !found {
		return NoConflict
	}
	if recorded.LocalChangeID >= localKey.LocalChangeID {
		return NoConflict
	}
	return Conflict
}

// IsAlreadyApplied reports whether the remote change key appears verbatim in
// the local predecessor list, meaning the store already incorporated that
// edit and the update can be discarded.
func IsAlreadyApplied(remoteKey ChangeKey, localPCL PCL) bool {
	return localPCL.Contains(remoteKey)
}
