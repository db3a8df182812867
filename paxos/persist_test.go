package paxos

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func samplePaxosStates() []PaxosState {
	b1 := BallotID{Round: 1, ReplicaID: 1}
	b2 := BallotID{Round: 2, ReplicaID: 3}
	var s0 PaxosState
	s1, _ := s0.Prepare(b1)
	s2, _ := s1.Accept(b1, []byte("one"))
	s3, _ := s2.Prepare(b2)
	s4, _, _ := s3.Commit(b1, []byte("one"))
	return []PaxosState{s1, s2, s3, s4}
}

// exercisePersister saves a history per slot and checks
// that the latest state of each slot reloads.
func exercisePersister(t *testing.T, p StatePersister, reopen func() StatePersister) {
	states := samplePaxosStates()
	for idx := uint64(1); idx <= 3; idx++ {
		for _, st := range states[:idx+1] {
			panicOn(p.SaveSlot(idx, st))
		}
	}
	check := func(p StatePersister) {
		got, err := p.LoadSlots()
		panicOn(err)
		cv.So(len(got), cv.ShouldEqual, 3)
		for idx := uint64(1); idx <= 3; idx++ {
			if !got[idx].Equal(states[idx]) {
				t.Fatalf("slot %v: got %v, want %v", idx, got[idx], states[idx])
			}
		}
	}
	check(p)
	if reopen != nil {
		panicOn(p.Close())
		p2 := reopen()
		defer p2.Close()
		check(p2)
	}
}

func Test030_mem_persister(t *testing.T) {

	cv.Convey("MemPersister keeps the latest state per slot", t, func() {
		m := NewMemPersister()
		exercisePersister(t, m, nil)
		cv.So(m.Saves(), cv.ShouldEqual, 2+3+4)
	})
}

func Test031_file_persister(t *testing.T) {

	cv.Convey("FilePersister reloads the latest state per slot after a reopen", t, func() {
		path := filepath.Join(t.TempDir(), "r", "slots.msgp")
		p, err := NewFilePersister(path)
		panicOn(err)
		exercisePersister(t, p, func() StatePersister {
			p2, err := NewFilePersister(path)
			panicOn(err)
			return p2
		})
	})

	cv.Convey("a torn final record is dropped, and the next append lands after the last good one", t, func() {
		path := filepath.Join(t.TempDir(), "slots.msgp")
		p, err := NewFilePersister(path)
		panicOn(err)
		states := samplePaxosStates()
		panicOn(p.SaveSlot(1, states[0]))
		panicOn(p.SaveSlot(2, states[1]))
		panicOn(p.Close())

		// a crash half way through a third record.
		frame := (&FilePersister{checkEach: p.checkEach}).frame(marshalSlot(3, states[2]))
		fd, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
		panicOn(err)
		_, err = fd.Write(frame[:len(frame)/2])
		panicOn(err)
		fd.Close()

		p2, err := NewFilePersister(path)
		panicOn(err)
		got, err := p2.LoadSlots()
		panicOn(err)
		cv.So(len(got), cv.ShouldEqual, 2)
		cv.So(p2.Records(), cv.ShouldEqual, 2)

		panicOn(p2.SaveSlot(4, states[3]))
		panicOn(p2.Close())

		p3, err := NewFilePersister(path)
		panicOn(err)
		defer p3.Close()
		got, err = p3.LoadSlots()
		panicOn(err)
		cv.So(len(got), cv.ShouldEqual, 3)
		cv.So(got[4].Equal(states[3]), cv.ShouldBeTrue)
	})

	cv.Convey("a corrupted record in the middle is reported, not skipped", t, func() {
		path := filepath.Join(t.TempDir(), "slots.msgp")
		p, err := NewFilePersister(path)
		panicOn(err)
		states := samplePaxosStates()
		panicOn(p.SaveSlot(1, states[0]))
		panicOn(p.SaveSlot(2, states[1]))
		panicOn(p.Close())

		by, err := os.ReadFile(path)
		panicOn(err)
		by[5] ^= 0xff
		panicOn(os.WriteFile(path, by, 0644))

		p2, err := NewFilePersister(path)
		panicOn(err)
		defer p2.Close()
		_, err = p2.LoadSlots()
		cv.So(errors.Is(err, ErrDecode), cv.ShouldBeTrue)
	})

	cv.Convey("Compact keeps one record per slot and loses nothing", t, func() {
		path := filepath.Join(t.TempDir(), "slots.msgp")
		p, err := NewFilePersister(path)
		panicOn(err)
		defer p.Close()
		states := samplePaxosStates()
		for idx := uint64(1); idx <= 5; idx++ {
			for _, st := range states {
				panicOn(p.SaveSlot(idx, st))
			}
		}
		cv.So(p.Records(), cv.ShouldEqual, 20)
		panicOn(p.Compact())
		cv.So(p.Records(), cv.ShouldEqual, 5)

		// still appendable after the rename.
		panicOn(p.SaveSlot(6, states[0]))
		got, err := p.LoadSlots()
		panicOn(err)
		cv.So(len(got), cv.ShouldEqual, 6)
		cv.So(got[5].Equal(states[3]), cv.ShouldBeTrue)
	})

	cv.Convey("a Compact whose rename fails leaves the original file open for appends", t, func() {
		path := filepath.Join(t.TempDir(), "slots.msgp")
		p, err := NewFilePersister(path)
		panicOn(err)
		defer p.Close()
		states := samplePaxosStates()
		for _, st := range states {
			panicOn(p.SaveSlot(1, st))
		}

		renameFile = func(from, to string) error { return errors.New("disk says no") }
		defer func() { renameFile = os.Rename }()
		err = p.Compact()
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(err.Error(), cv.ShouldContainSubstring, "disk says no")
		cv.So(p.Records(), cv.ShouldEqual, 4)

		panicOn(p.SaveSlot(2, states[1]))
		got, err := p.LoadSlots()
		panicOn(err)
		cv.So(len(got), cv.ShouldEqual, 2)
		cv.So(got[1].Equal(states[3]), cv.ShouldBeTrue)
		cv.So(got[2].Equal(states[1]), cv.ShouldBeTrue)

		leftovers, err := filepath.Glob(path + ".pre_rename.*")
		panicOn(err)
		cv.So(leftovers, cv.ShouldBeEmpty)
	})
}

func Test032_bolt_persister(t *testing.T) {

	cv.Convey("BoltPersister reloads the latest state per slot after a reopen", t, func() {
		path := filepath.Join(t.TempDir(), "r", "slots.bolt")
		p, err := NewBoltPersister(path)
		panicOn(err)
		exercisePersister(t, p, func() StatePersister {
			p2, err := NewBoltPersister(path)
			panicOn(err)
			return p2
		})
	})
}

func Test033_new_persister_from_config(t *testing.T) {

	cv.Convey("NewPersister follows Config.PersistMode", t, func() {
		dir := t.TempDir()
		cfg := NewConfig("A", "A", "B", "C")
		cfg.DataDir = dir

		cfg.PersistMode = PersistNone
		p, err := NewPersister(cfg)
		panicOn(err)
		cv.So(p, cv.ShouldBeNil)

		cfg.PersistMode = PersistMem
		p, err = NewPersister(cfg)
		panicOn(err)
		_, ok := p.(*MemPersister)
		cv.So(ok, cv.ShouldBeTrue)

		cfg.PersistMode = PersistFile
		p, err = NewPersister(cfg)
		panicOn(err)
		_, ok = p.(*FilePersister)
		cv.So(ok, cv.ShouldBeTrue)
		p.Close()
		_, err = os.Stat(filepath.Join(dir, "A", "slots.msgp"))
		cv.So(err, cv.ShouldBeNil)

		cfg.PersistMode = PersistBolt
		p, err = NewPersister(cfg)
		panicOn(err)
		_, ok = p.(*BoltPersister)
		cv.So(ok, cv.ShouldBeTrue)
		p.Close()

		cfg.PersistMode = PersistMode("tape")
		_, err = NewPersister(cfg)
		cv.So(err, cv.ShouldNotBeNil)
	})
}
