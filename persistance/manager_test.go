package persistance

import (
	"encoding/binary"
	"fmt"
	"testing"
)

const testOperationTypeID = byte(200)

func init() {
	RegisterOperation(testOperationTypeID, decodeTestOperation)
}

type testState struct {
	value int64
}

func (s *testState) Apply(op Operation) error {
	return op.ApplyTo(s)
}

func (s *testState) Serialize() ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(s.value))
	return buf, nil
}

func (s *testState) Deserialize(data []byte) error {
	if len(data) != 8 {
		return fmt.Errorf("invalid state data length: %d", len(data))
	}
	s.value = int64(binary.LittleEndian.Uint64(data))
	return nil
}

type testOperation struct {
	delta int64
}

func (op *testOperation) TypeID() byte { return testOperationTypeID }

func (op *testOperation) Encode() ([]byte, error) {
	buf := make([]byte, 1+8)
	buf[0] = op.TypeID()
	binary.LittleEndian.PutUint64(buf[1:9], uint64(op.delta))
	return buf, nil
}

func (op *testOperation) ApplyTo(st State) error {
	ts, ok := st.(*testState)
	if !ok {
		return fmt.Errorf("unexpected state type: %T", st)
	}
	ts.value += op.delta
	return nil
}

func decodeTestOperation(data []byte) (Operation, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("test operation payload too short: %d", len(data))
	}
	return &testOperation{delta: int64(binary.LittleEndian.Uint64(data[1:9]))}, nil
}

func TestStateManagerLogAndRestore(t *testing.T) {
	dir := t.TempDir()
	state := &testState{}
	stateLog, err := NewStateLog(dir)
	if err != nil {
		t.Fatalf("failed to create state log: %v", err)
	}
	sm, err := NewStateManager(state, stateLog, 100)
	if err != nil {
		t.Fatalf("failed to create state manager: %v", err)
	}

	for i := int64(1); i <= 5; i++ {
		if err := sm.Log(&testOperation{delta: i}); err != nil {
			t.Fatalf("failed to log operation: %v", err)
		}
	}
	if state.value != 15 {
		t.Fatalf("expected value 15, got %d", state.value)
	}
	if err := sm.Close(); err != nil {
		t.Fatalf("failed to close state manager: %v", err)
	}

	restored := &testState{}
	stateLog2, err := NewStateLog(dir)
	if err != nil {
		t.Fatalf("failed to reopen state log: %v", err)
	}
	sm2, err := LoadStateManager(restored, stateLog2, 100)
	if err != nil {
		t.Fatalf("failed to load state manager: %v", err)
	}
	defer sm2.Close()

	if restored.value != 15 {
		t.Fatalf("expected restored value 15, got %d", restored.value)
	}
}

func TestStateManagerSnapshotAndWALTail(t *testing.T) {
	dir := t.TempDir()
	state := &testState{}
	stateLog, err := NewStateLog(dir)
	if err != nil {
		t.Fatalf("failed to create state log: %v", err)
	}
	// snapshot every 2 operations so restore exercises snapshot + WAL tail
	sm, err := NewStateManager(state, stateLog, 2)
	if err != nil {
		t.Fatalf("failed to create state manager: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := sm.Log(&testOperation{delta: 10}); err != nil {
			t.Fatalf("failed to log operation: %v", err)
		}
	}
	if err := sm.Close(); err != nil {
		t.Fatalf("failed to close state manager: %v", err)
	}

	restored := &testState{}
	stateLog2, err := NewStateLog(dir)
	if err != nil {
		t.Fatalf("failed to reopen state log: %v", err)
	}
	sm2, err := LoadStateManager(restored, stateLog2, 2)
	if err != nil {
		t.Fatalf("failed to load state manager: %v", err)
	}
	defer sm2.Close()

	if restored.value != 50 {
		t.Fatalf("expected restored value 50, got %d", restored.value)
	}
}

func TestDecodeUnknownOperation(t *testing.T) {
	if _, err := decodeOperation([]byte{255, 1, 2}); err == nil {
		t.Fatal("expected error for unknown operation type")
	}
	if _, err := decodeOperation(nil); err == nil {
		t.Fatal("expected error for empty entry")
	}
}
