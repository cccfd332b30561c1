package sync

import (
	"encoding/json"
	"fmt"
)

// SyncStateType tags the value of a [SyncState].
type SyncStateType string

const (
	SyncStateCTag  SyncStateType = "ctag"
	SyncStateToken SyncStateType = "sync-token"
)

// SyncState is the last known change marker of a collection: a CTag or a
// sync-token.
type SyncState struct {
	Type  SyncStateType `json:"type"`
	Value string        `json:"value"`
}

// CTagState returns a CTag state, or nil for an empty value.
func CTagState(v string) *SyncState {
	if v == "" {
		return nil
	}
	return &SyncState{Type: SyncStateCTag, Value: v}
}

// TokenState returns a sync-token state, or nil for an empty value.
func TokenState(v string) *SyncState {
	if v == "" {
		return nil
	}
	return &SyncState{Type: SyncStateToken, Value: v}
}

// Equal reports whether s and o describe the same state. Two nil states are
// equal.
func (s *SyncState) Equal(o *SyncState) bool {
	if s == nil || o == nil {
		return s == nil && o == nil
	}
	return s.Type == o.Type && s.Value == o.Value
}

func (s *SyncState) String() string {
	if s == nil {
		return "<none>"
	}
	return string(s.Type) + ":" + s.Value
}

// MarshalSyncState encodes s for storage. A nil state encodes as "".
func MarshalSyncState(s *SyncState) (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding sync state: %w", err)
	}
	return string(b), nil
}

// ParseSyncState decodes a stored state. An empty string yields nil.
func ParseSyncState(raw string) (*SyncState, error) {
	if raw == "" {
		return nil, nil //nolint:nilnil // no state stored
	}
	var s SyncState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decoding sync state %q: %w", raw, err)
	}
	switch s.Type {
	case SyncStateCTag, SyncStateToken:
	default:
		return nil, fmt.Errorf("decoding sync state %q: unknown type %q", raw, s.Type)
	}
	return &s, nil
}

// Algorithm is the change enumeration strategy of a pass.
type Algorithm int

const (
	// AlgorithmPropfindReport lists every member and compares ETags.
	AlgorithmPropfindReport Algorithm = iota
	// AlgorithmCollectionSync asks for changes since the last sync-token.
	AlgorithmCollectionSync
)

func (a Algorithm) String() string {
	if a == AlgorithmCollectionSync {
		return "collection-sync"
	}
	return "propfind-report"
}
