package persistance

import (
	"encoding/binary"
	"io"
	"os"
)

type EntryIterator interface {
	Next() ([]byte, error) // returns the next entry or io.EOF
	Close() error
}

type walIterator struct {
	files []string // WAL segment paths in order
	idx   int
	f     *os.File
}

func newWALIterator(files []string) EntryIterator {
	return &walIterator{files: files}
}

func (it *walIterator) openNextFile() error {
	if it.f != nil {
		it.f.Close()
	}
	if it.idx >= len(it.files) {
		return io.EOF
	}
	f, err := os.Open(it.files[it.idx])
	if err != nil {
		return err
	}
	it.f = f
	it.idx++
	return nil
}

func (it *walIterator) Next() ([]byte, error) {
	if it.f == nil {
		if err := it.openNextFile(); err != nil {
			return nil, err
		}
	}

	for {
		var length uint32
		err := binary.Read(it.f, binary.LittleEndian, &length)
		if err != nil {
			if err == io.EOF {
				if err := it.openNextFile(); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		buf := make([]byte, length)
		n, err := io.ReadFull(it.f, buf)
		if err != nil || uint32(n) < length {
			// torn entry, no more valid entries in this segment
			if err := it.openNextFile(); err != nil {
				return nil, err
			}
			continue
		}
		return buf, nil
	}
}

func (it *walIterator) Close() error {
	if it.f != nil {
		return it.f.Close()
	}
	return nil
}
