package persistance

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

type StateLog interface {
	Append(entry []byte) error
	Commit() error
	RotateWAL() error
	WriteSnapshot(state []byte) (string, error)
	Restore() ([]byte, EntryIterator, error)
	Close() error
}

type stateLog struct {
	dir         string
	walDir      string
	snapshotDir string
	walTs       int64
	walFile     *os.File
}

const (
	walPrefix  = "wal-"
	walSuffix  = ".log"
	snapPrefix = "snapshot-"
	snapSuffix = ".snap"
)

func NewStateLog(dir string) (StateLog, error) {
	l := &stateLog{
		dir:         dir,
		walDir:      filepath.Join(dir, "wal"),
		snapshotDir: filepath.Join(dir, "snapshots"),
	}

	if err := os.MkdirAll(l.walDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.snapshotDir, 0755); err != nil {
		return nil, err
	}

	if err := l.openNewWAL(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *stateLog) openNewWAL() error {
	if l.walFile != nil {
		l.walFile.Close()
	}

	l.walTs = time.Now().UnixNano()
	path := filepath.Join(l.walDir, fmt.Sprintf("%s%d%s", walPrefix, l.walTs, walSuffix))
	wf, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	l.walFile = wf
	return nil
}

// Append writes the entry to the current WAL segment, fmt: <length><entry>
func (l *stateLog) Append(entry []byte) error {
	if l.walFile == nil {
		return fmt.Errorf("wal not opened")
	}
	if err := binary.Write(l.walFile, binary.LittleEndian, uint32(len(entry))); err != nil {
		return err
	}
	_, err := l.walFile.Write(entry)
	return err
}

// Commit fsyncs the current WAL segment.
func (l *stateLog) Commit() error {
	if l.walFile == nil {
		return fmt.Errorf("wal not opened")
	}
	return l.walFile.Sync()
}

// RotateWAL commits and starts a new timestamped WAL segment.
func (l *stateLog) RotateWAL() error {
	if err := l.Commit(); err != nil {
		return err
	}
	return l.openNewWAL()
}

// WriteSnapshot writes to a temp file and renames it into place, so a
// snapshot is either fully present or absent.
func (l *stateLog) WriteSnapshot(state []byte) (string, error) {
	ts := time.Now().UnixNano()
	tmp := filepath.Join(l.snapshotDir, fmt.Sprintf("%s%d%s.tmp", snapPrefix, ts, snapSuffix))
	dst := filepath.Join(l.snapshotDir, fmt.Sprintf("%s%d%s", snapPrefix, ts, snapSuffix))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(state); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}

	// best-effort directory fsync
	if d, err := os.Open(l.snapshotDir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return filepath.Base(dst), nil
}

// Restore returns the latest snapshot data and an iterator over the WAL
// entries written after that snapshot.
func (l *stateLog) Restore() ([]byte, EntryIterator, error) {
	snaps, err := filepath.Glob(filepath.Join(l.snapshotDir, snapPrefix+"*"+snapSuffix))
	if err != nil {
		return nil, nil, err
	}

	var snapData []byte
	var snapTs int64
	if len(snaps) > 0 {
		sort.Strings(snaps)
		latest := snaps[len(snaps)-1]
		b, err := os.ReadFile(latest)
		if err != nil {
			return nil, nil, err
		}
		snapData = b

		ts, err := parseTsFromFilename(filepath.Base(latest), snapPrefix, snapSuffix)
		if err != nil {
			return nil, nil, err
		}
		snapTs = ts
	}

	wals, err := filepath.Glob(filepath.Join(l.walDir, walPrefix+"*"+walSuffix))
	if err != nil {
		return nil, nil, err
	}
	type wf struct {
		path string
		ts   int64
	}

	var candidates []wf
	for _, p := range wals {
		ts, err := parseTsFromFilename(filepath.Base(p), walPrefix, walSuffix)
		if err != nil {
			continue
		}
		if ts > snapTs {
			candidates = append(candidates, wf{path: p, ts: ts})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ts < candidates[j].ts })

	var walPaths []string
	for _, c := range candidates {
		walPaths = append(walPaths, c.path)
	}

	return snapData, newWALIterator(walPaths), nil
}

// Close closes the currently opened WAL segment.
func (l *stateLog) Close() error {
	if l.walFile != nil {
		return l.walFile.Close()
	}
	return nil
}

// parseTsFromFilename extracts the integer timestamp from filenames like
// "prefix<ts>suffix".
func parseTsFromFilename(name, prefix, suffix string) (int64, error) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, fmt.Errorf("invalid name format: %s", name)
	}
	trim := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	return strconv.ParseInt(trim, 10, 64)
}
