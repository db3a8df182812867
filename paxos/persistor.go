package paxos

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
	"github.com/glycerine/greenpack/msgp"
)

// FilePersister appends one record per SaveSlot to a single
// file. A record is a msgpack bin holding marshalSlot output,
// then a msgpack string holding the record's blake3 sum. The
// last record for an index wins on load.
//
// A torn final record, from a crash in the middle of an
// append, is dropped on load. A checksum mismatch anywhere
// else is reported as corruption.
type FilePersister struct {
	mut         sync.Mutex
	path        string
	fd          *os.File
	parentDirFd *os.File
	checkEach   *blake3.Hasher

	records int
}

func NewFilePersister(path string) (s *FilePersister, err error) {
	if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	// parent directory metadata must also be synced
	// to disk for true persistence.
	dir, err := getActualParentDirForFsync(path)
	if err != nil {
		fd.Close()
		return nil, err
	}
	parentDirFd, err := os.Open(dir)
	if err != nil {
		fd.Close()
		return nil, err
	}
	if err = parentDirFd.Sync(); err != nil {
		fd.Close()
		parentDirFd.Close()
		return nil, err
	}
	return &FilePersister{
		path:        path,
		fd:          fd,
		parentDirFd: parentDirFd,
		checkEach:   blake3.New(64, nil),
	}, nil
}

func getActualParentDirForFsync(path string) (actualParentPath string, err error) {
	absPath, err1 := filepath.Abs(path)
	if err1 != nil {
		return "", fmt.Errorf("getActualParentDirForFsync: filepath.Abs(path='%v') error: '%v'", path, err1)
	}
	actualParentPath, err = filepath.EvalSymlinks(filepath.Dir(absPath))
	if err != nil {
		return "", fmt.Errorf("getActualParentDirForFsync: filepath.EvalSymlinks error: '%v'", err)
	}
	return
}

func blake3ToString33B(h *blake3.Hasher) string {
	by := h.Sum(nil)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(by[:33])
}

// frame must be called with s.mut held.
func (s *FilePersister) frame(rec []byte) []byte {
	s.checkEach.Reset()
	s.checkEach.Write(rec)
	b := msgp.AppendBytes(nil, rec)
	return msgp.AppendString(b, blake3ToString33B(s.checkEach))
}

func (s *FilePersister) SaveSlot(index uint64, st PaxosState) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.fd == nil {
		return ErrShutDown
	}
	by := s.frame(marshalSlot(index, st))
	if _, err := s.fd.Write(by); err != nil {
		return err
	}
	s.records++
	return s.fd.Sync()
}

func (s *FilePersister) LoadSlots() (map[uint64]PaxosState, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.load()
}

func (s *FilePersister) load() (map[uint64]PaxosState, error) {
	var nbs msgp.NilBitsStack
	all, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	slots := make(map[uint64]PaxosState)
	s.records = 0
	pos := 0
	torn := false
	for len(all) > 0 {
		rec, rest, err := nbs.ReadBytesBytes(all, nil)
		if err != nil {
			alwaysPrintf("FilePersister '%v': dropping torn record at pos %v: %v", s.path, pos, err)
			torn = true
			break
		}
		sum, rest, err := nbs.ReadStringBytes(rest)
		if err != nil {
			alwaysPrintf("FilePersister '%v': dropping record without checksum at pos %v: %v", s.path, pos, err)
			torn = true
			break
		}
		s.checkEach.Reset()
		s.checkEach.Write(rec)
		if h := blake3ToString33B(s.checkEach); h != sum {
			return nil, fmt.Errorf("%w: corrupt slot record in '%v' at pos %v: on disk sum '%v' vs computed '%v'", ErrDecode, s.path, pos, sum, h)
		}
		index, st, err := unmarshalSlot(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: slot record in '%v' at pos %v: %v", ErrDecode, s.path, pos, err)
		}
		slots[index] = st
		s.records++
		pos += len(all) - len(rest)
		all = rest
	}
	if torn && s.fd != nil {
		// cut the tail off, so new appends follow the last
		// good record.
		if err := s.fd.Truncate(int64(pos)); err != nil {
			return nil, err
		}
		if err := s.fd.Sync(); err != nil {
			return nil, err
		}
	}
	return slots, nil
}

// Records is the number of records in the file, superseded
// ones included.
func (s *FilePersister) Records() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.records
}

// Compact rewrites the file with only the latest record per
// slot. The new file is written aside and renamed into place.
func (s *FilePersister) Compact() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.fd == nil {
		return ErrShutDown
	}
	slots, err := s.load()
	if err != nil {
		return err
	}
	order := newOmap[uint64, PaxosState]()
	for i, st := range slots {
		order.set(i, st)
	}

	tmppath := s.path + ".pre_rename." + cryRand17B()
	tmp, err := os.Create(tmppath)
	if err != nil {
		return err
	}
	for i, st := range order.all() {
		if _, err = tmp.Write(s.frame(marshalSlot(i, st))); err != nil {
			tmp.Close()
			os.Remove(tmppath)
			return err
		}
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmppath)
		return err
	}
	tmp.Close()

	s.fd.Close()
	s.fd = nil
	if err = renameFile(tmppath, s.path); err != nil {
		os.Remove(tmppath)
		// the original file is untouched; keep appending to it.
		fd, err2 := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0644)
		if err2 != nil {
			return fmt.Errorf("compact rename failed: %w; reopen of '%v' failed too: %v", err, s.path, err2)
		}
		s.fd = fd
		return err
	}
	s.records = order.Len()
	fd, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	s.fd = fd
	return s.parentDirFd.Sync()
}

// renameFile is os.Rename; tests swap it to fail a Compact.
var renameFile = os.Rename

func (s *FilePersister) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.fd == nil {
		return nil
	}
	err := s.fd.Close()
	s.fd = nil
	s.parentDirFd.Close()
	return err
}
