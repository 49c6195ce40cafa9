package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// snapshotVersion is bumped whenever the snapshot layout changes.
const snapshotVersion = 1

// snapshot is the serialized form of a session written by FlushAll.
type snapshot struct {
	LastActive time.Time `json:"last_active"`
	History    []Turn    `json:"history"`
	Version    int       `json:"version"`
}

func encodeSnapshot(s snapshot) ([]byte, error) {
	s.Version = snapshotVersion
	if s.History == nil {
		s.History = []Turn{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (snapshot, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if s.Version > snapshotVersion {
		return snapshot{}, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	for i, turn := range s.History {
		if !turn.Role.Valid() {
			return snapshot{}, fmt.Errorf("turn %d has invalid role %q", i, turn.Role)
		}
	}
	return s, nil
}

// DecodeSnapshotHistory returns the turns stored in a serialized snapshot.
func DecodeSnapshotHistory(data []byte) ([]Turn, error) {
	s, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return s.History, nil
}
