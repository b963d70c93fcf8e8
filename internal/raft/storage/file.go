package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	walFileName = "raft.wal"
	frameHeader = 8 // length + crc32
)

var ErrCRCMismatch = errors.New("wal: crc mismatch")

// ErrBroken is returned by every call after a failed write could not be
// rolled back. The WAL may end in a partial frame and must be reopened.
var ErrBroken = errors.New("wal: broken by a failed write")

// walFile is the part of *os.File the WAL writes through.
type walFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

type walOp uint8

const (
	opAppend walOp = iota + 1
	opState
)

// walRecord is one framed, self-contained unit in the WAL. A truncate+append
// together with its hard state is always a single record.
type walRecord struct {
	Op      walOp
	Start   int
	Entries []LogEntry
	State   *HardState
}

// FileStorage is a Storage backed by a single append-only WAL file.
// Each record is framed as [len][crc32][gob payload]; a torn tail is
// dropped on open and the file is compacted into one record.
type FileStorage struct {
	mu   sync.Mutex
	path string
	file walFile
	// size is the length of the valid prefix of the file.
	size   int64
	broken error

	hs      HardState
	entries []LogEntry
}

// OpenFileStorage replays (and compacts) the WAL in dir, creating it if needed.
func OpenFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &FileStorage{path: filepath.Join(dir, walFileName)}
	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("replay %s: %w", s.path, err)
	}
	if err := s.compact(); err != nil {
		return nil, fmt.Errorf("compact %s: %w", s.path, err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	s.file, s.size = f, fi.Size()
	return s, nil
}

func (s *FileStorage) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{HardState: s.hs, Entries: cloneEntries(s.entries)}, nil
}

func (s *FileStorage) AppendEntries(startIndex int, values []LogEntry, hs *HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkStart(startIndex, len(s.entries)); err != nil {
		return err
	}
	rec := walRecord{Op: opAppend, Start: startIndex, Entries: values, State: hs}
	if err := s.write(rec); err != nil {
		return err
	}
	s.apply(rec)
	return nil
}

func (s *FileStorage) Set(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := walRecord{Op: opState, State: &hs}
	if err := s.write(rec); err != nil {
		return err
	}
	s.apply(rec)
	return nil
}

// Close closes the WAL file.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// write appends rec durably. A failed write or sync is cut back off the
// file so later records never land behind a partial frame; if that fails
// too, the storage refuses all further writes.
func (s *FileStorage) write(rec walRecord) error {
	if s.broken != nil {
		return s.broken
	}
	if s.file == nil {
		return errors.New("wal closed")
	}
	frame, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.file.Write(frame)
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		if terr := s.rollback(); terr != nil {
			s.broken = fmt.Errorf("%w: %v (rollback: %v)", ErrBroken, err, terr)
			return s.broken
		}
		return err
	}
	s.size += int64(len(frame))
	return nil
}

// rollback truncates the file to its last valid record. The file is in
// append mode, so the next write lands at the new end.
func (s *FileStorage) rollback() error {
	if err := s.file.Truncate(s.size); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *FileStorage) apply(rec walRecord) {
	switch rec.Op {
	case opAppend:
		s.entries = append(s.entries[:rec.Start], rec.Entries...)
	}
	if rec.State != nil {
		s.hs = *rec.State
	}
}

func (s *FileStorage) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, err := decodeRecord(r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF || errors.Is(err, ErrCRCMismatch) {
				// torn tail from an interrupted write
				return nil
			}
			return err
		}
		if rec.Op == opAppend && (rec.Start < 0 || rec.Start > len(s.entries)) {
			return fmt.Errorf("record start %d beyond log length %d", rec.Start, len(s.entries))
		}
		s.apply(rec)
	}
}

// compact rewrites the WAL as a single record holding the replayed state.
func (s *FileStorage) compact() error {
	hs := s.hs
	frame, err := encodeRecord(walRecord{Op: opAppend, Start: 0, Entries: s.entries, State: &hs})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(frame); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func encodeRecord(rec walRecord) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(rec); err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeader, frameHeader+payload.Len())
	binary.LittleEndian.PutUint32(frame[0:4], uint32(payload.Len()))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload.Bytes()))
	return append(frame, payload.Bytes()...), nil
}

func decodeRecord(r io.Reader) (walRecord, error) {
	var rec walRecord
	header := make([]byte, frameHeader)
	if _, err := io.ReadFull(r, header); err != nil {
		return rec, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	crc := binary.LittleEndian.Uint32(header[4:8])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return rec, err
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return rec, ErrCRCMismatch
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
		return rec, err
	}
	return rec, nil
}
