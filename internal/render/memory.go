package render

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/signalsfoundry/platform-tracker/core"
	"github.com/signalsfoundry/platform-tracker/model"
)

// ScenePlatform is the committed scene state for one platform.
type ScenePlatform struct {
	Identity   model.PlatformIdentity
	Preference model.PlatformPreference
	Pose       core.Pose
	Posed      bool
}

// Commit is one committed transaction as seen by MemorySink.
type Commit struct {
	Created []model.HostRef
	Poses   map[model.HostRef]core.Pose
	Prefs   map[model.HostRef]model.PlatformPreference
}

// MemorySink keeps the scene in memory and records every commit. Failures
// can be injected for tests.
type MemorySink struct {
	mu        sync.Mutex
	platforms map[model.HostRef]*ScenePlatform
	commits   []Commit

	failBegin  error
	failCommit error
}

// NewMemorySink returns an empty scene.
func NewMemorySink() *MemorySink {
	return &MemorySink{platforms: make(map[model.HostRef]*ScenePlatform)}
}

// FailBegin makes subsequent Begin calls return err; nil clears it.
func (s *MemorySink) FailBegin(err error) {
	s.mu.Lock()
	s.failBegin = err
	s.mu.Unlock()
}

// FailCommit makes subsequent Commit calls return err; nil clears it.
func (s *MemorySink) FailCommit(err error) {
	s.mu.Lock()
	s.failCommit = err
	s.mu.Unlock()
}

// Begin implements Sink.
func (s *MemorySink) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBegin != nil {
		return nil, s.failBegin
	}
	return &memoryTx{
		sink:    s,
		created: make(map[model.HostRef]*ScenePlatform),
		poses:   make(map[model.HostRef]core.Pose),
		prefs:   make(map[model.HostRef]model.PlatformPreference),
	}, nil
}

// Commits returns a copy of the commit log.
func (s *MemorySink) Commits() []Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Commit(nil), s.commits...)
}

// Platform returns the committed state for ref.
func (s *MemorySink) Platform(ref model.HostRef) (ScenePlatform, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.platforms[ref]
	if !ok {
		return ScenePlatform{}, false
	}
	return *p, true
}

// Len returns the number of committed platforms.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.platforms)
}

// Clear removes every platform and the commit log.
func (s *MemorySink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platforms = make(map[model.HostRef]*ScenePlatform)
	s.commits = nil
}

type memoryTx struct {
	sink    *MemorySink
	closed  bool
	order   []model.HostRef
	created map[model.HostRef]*ScenePlatform
	poses   map[model.HostRef]core.Pose
	prefs   map[model.HostRef]model.PlatformPreference
}

func (tx *memoryTx) CreatePlatform(_ context.Context, p model.PlatformIdentity, pref model.PlatformPreference) (model.HostRef, error) {
	if tx.closed {
		return "", ErrTxClosed
	}
	ref := model.HostRef(uuid.NewString())
	p.HostRef = ref
	tx.created[ref] = &ScenePlatform{Identity: p, Preference: pref}
	tx.order = append(tx.order, ref)
	return ref, nil
}

func (tx *memoryTx) known(ref model.HostRef) bool {
	if _, ok := tx.created[ref]; ok {
		return true
	}
	tx.sink.mu.Lock()
	defer tx.sink.mu.Unlock()
	_, ok := tx.sink.platforms[ref]
	return ok
}

func (tx *memoryTx) UpdatePose(_ context.Context, ref model.HostRef, pose core.Pose) error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.known(ref) {
		return fmt.Errorf("update pose: unknown host ref %q", ref)
	}
	tx.poses[ref] = pose
	return nil
}

func (tx *memoryTx) ApplyPreference(_ context.Context, ref model.HostRef, pref model.PlatformPreference) error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.known(ref) {
		return fmt.Errorf("apply preference: unknown host ref %q", ref)
	}
	tx.prefs[ref] = pref
	return nil
}

func (tx *memoryTx) Commit(_ context.Context) error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true

	s := tx.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommit != nil {
		return s.failCommit
	}

	for ref, p := range tx.created {
		s.platforms[ref] = p
	}
	for ref, pose := range tx.poses {
		if p, ok := s.platforms[ref]; ok {
			p.Pose = pose
			p.Posed = true
		}
	}
	for ref, pref := range tx.prefs {
		if p, ok := s.platforms[ref]; ok {
			p.Preference = pref
		}
	}
	s.commits = append(s.commits, Commit{
		Created: tx.order,
		Poses:   tx.poses,
		Prefs:   tx.prefs,
	})
	return nil
}

func (tx *memoryTx) Rollback(_ context.Context) error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	return nil
}
