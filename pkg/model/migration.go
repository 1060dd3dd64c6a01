package model

import (
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/types"
)

type MigrationState string

const (
	MigrationNotStarted      MigrationState = "NotStarted"
	MigrationCloning         MigrationState = "Cloning"
	MigrationCatchingUp      MigrationState = "CatchingUp"
	MigrationCriticalSection MigrationState = "CriticalSection"
	MigrationCommitted       MigrationState = "Committed"
	MigrationAborted         MigrationState = "Aborted"
)

var migrationTransitions = map[MigrationState][]MigrationState{
	MigrationNotStarted:      {MigrationCloning, MigrationAborted},
	MigrationCloning:         {MigrationCatchingUp, MigrationAborted},
	MigrationCatchingUp:      {MigrationCriticalSection, MigrationAborted},
	MigrationCriticalSection: {MigrationCommitted, MigrationAborted},
}

func ParseMigrationState(s string) (MigrationState, error) {
	state := MigrationState(s)
	switch state {
	case MigrationNotStarted, MigrationCloning, MigrationCatchingUp, MigrationCriticalSection, MigrationCommitted, MigrationAborted:
		return state, nil
	}
	return "", fmt.Errorf("%w: unknown state %q", common.ErrMigrationCorrupted, s)
}

func (s MigrationState) IsTerminal() bool {
	return s == MigrationCommitted || s == MigrationAborted
}

func (s MigrationState) CanTransitionTo(next MigrationState) bool {
	for _, allowed := range migrationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MigrationRecord is the durable state of one chunk move.
type MigrationRecord struct {
	ID             types.UniqueID  `json:"id"`
	OperationID    string          `json:"operationId"`
	Namespace      string          `json:"namespace"`
	CollectionUUID types.UniqueID  `json:"collectionUUID"`
	Range          ChunkRange      `json:"range"`
	Donor          string          `json:"donor"`
	Recipient      string          `json:"recipient"`
	State          MigrationState  `json:"state"`
	AbortReason    string          `json:"abortReason,omitempty"`
	StartVersion   ChunkVersion    `json:"startVersion"`
	CreatedAt      types.Timestamp `json:"createdAt"`
	UpdatedAt      types.Timestamp `json:"updatedAt"`
}

func (m *MigrationRecord) Clone() *MigrationRecord {
	if m == nil {
		return nil
	}
	out := *m
	out.Range = m.Range.Clone()
	return &out
}

// Validate rejects records that recovery cannot interpret.
func (m *MigrationRecord) Validate() error {
	if m.ID.IsNil() {
		return fmt.Errorf("%w: missing id", common.ErrMigrationCorrupted)
	}
	if _, err := ParseMigrationState(string(m.State)); err != nil {
		return err
	}
	if err := m.Range.Validate(); err != nil {
		return fmt.Errorf("%w: migration %s: %w", common.ErrMigrationCorrupted, m.ID, err)
	}
	if m.Donor == "" || m.Recipient == "" || m.Donor == m.Recipient {
		return fmt.Errorf("%w: migration %s has donor %q recipient %q", common.ErrMigrationCorrupted, m.ID, m.Donor, m.Recipient)
	}
	if !m.StartVersion.IsSet() {
		return fmt.Errorf("%w: migration %s has no start version", common.ErrMigrationCorrupted, m.ID)
	}
	return nil
}

// Involves reports whether the migration uses shard as donor or recipient.
func (m *MigrationRecord) Involves(shard string) bool {
	return m.Donor == shard || m.Recipient == shard
}
