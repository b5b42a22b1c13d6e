package persistance

import (
	"fmt"
	"io"
)

// StateManager couples a State with a StateLog: every logged operation is
// appended to the WAL, fsynced, applied to the state, and every
// snapshotPeriod operations the full state is snapshotted and the WAL
// rotated.
type StateManager struct {
	state             State
	stateLog          StateLog
	logsSinceSnapshot int
	snapshotPeriod    int
}

func NewStateManager(state State, stateLog StateLog, snapshotPeriod int) (*StateManager, error) {
	return &StateManager{
		state:          state,
		stateLog:       stateLog,
		snapshotPeriod: snapshotPeriod,
	}, nil
}

// LoadStateManager restores the state from the latest snapshot and WAL tail
// without writing a new snapshot.
func LoadStateManager(state State, stateLog StateLog, snapshotPeriod int) (*StateManager, error) {
	sm := &StateManager{
		state:          state,
		stateLog:       stateLog,
		snapshotPeriod: snapshotPeriod,
	}
	if err := sm.Restore(); err != nil {
		return nil, err
	}
	return sm, nil
}

// Log persists an operation and applies it to the current state.
func (sm *StateManager) Log(op Operation) error {
	entry, err := op.Encode()
	if err != nil {
		return err
	}
	if err := sm.stateLog.Append(entry); err != nil {
		return err
	}
	if err := sm.stateLog.Commit(); err != nil {
		return err
	}
	if err := op.ApplyTo(sm.state); err != nil {
		return err
	}
	sm.logsSinceSnapshot++
	if sm.logsSinceSnapshot >= sm.snapshotPeriod {
		snapshotData, err := sm.state.Serialize()
		if err != nil {
			return err
		}
		if _, err := sm.stateLog.WriteSnapshot(snapshotData); err != nil {
			return err
		}
		sm.logsSinceSnapshot = 0
		if err := sm.stateLog.RotateWAL(); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StateManager) GetState() State {
	return sm.state
}

// Restore loads the latest snapshot into the state and replays the WAL
// entries written after it.
func (sm *StateManager) Restore() error {
	snapshotData, walIt, err := sm.stateLog.Restore()
	if err != nil {
		return err
	}
	defer func() { _ = walIt.Close() }()

	if snapshotData != nil {
		if err := sm.state.Deserialize(snapshotData); err != nil {
			return err
		}
	}

	for {
		entry, err := walIt.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if entry == nil {
			break
		}
		op, err := decodeOperation(entry)
		if err != nil {
			return err
		}
		if err := sm.state.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

func (sm *StateManager) Close() error {
	return sm.stateLog.Close()
}

func decodeOperation(entry []byte) (Operation, error) {
	if len(entry) == 0 {
		return nil, fmt.Errorf("empty entry")
	}
	decoder, exists := operationRegistry[entry[0]]
	if !exists {
		return nil, fmt.Errorf("unknown operation type ID: %d", entry[0])
	}
	return decoder(entry)
}
