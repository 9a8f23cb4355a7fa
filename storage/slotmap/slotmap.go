// Package slotmap holds the bounded array of index slots behind the
// object store: each slot optionally binds one index file (a single
// pack's .idx or the multi-pack-index), and a refresh pass reconciles
// the array against the object directories' current contents, publishing
// an immutable Snapshot atomically for concurrent readers.
package slotmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	billy "github.com/go-git/go-billy/v5"
	"golang.org/x/sync/errgroup"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing/format/idxfile"
	"github.com/go-vcs/gitstore/storage/loose"
)

// RefreshMode selects when a lookup miss triggers an automatic rescan.
type RefreshMode int

const (
	// RefreshNever leaves rescanning entirely to the caller.
	RefreshNever RefreshMode = iota
	// RefreshAfterAllIndicesLoaded rescans once every slot in the
	// current snapshot has been probed for the requested id and missed.
	RefreshAfterAllIndicesLoaded
)

// Marker lets a Snapshot holder detect whether its view is still
// current: Generation changes only when a refresh reassigns slot
// identities in a way that invalidates previously handed-out pack ids;
// StateID combines Generation with the number of bound slots, so a
// refresh that changes neither leaves it unchanged.
type Marker struct {
	Generation uint64
	StateID    uint64
}

// InsufficientSlots is returned by Refresh when the slot array's fixed
// capacity cannot hold every index path observed on disk.
type InsufficientSlots struct {
	Current int
	Needed  int
}

func (e *InsufficientSlots) Error() string {
	return fmt.Sprintf("slotmap: insufficient slots: capacity %d, needed %d", e.Current, e.Needed)
}

// ErrAlternateCycle is returned by a Store's dirs resolver when an
// alternate directory (transitively) points back to itself.
var ErrAlternateCycle = errors.New("slotmap: alternate directory cycle")

type slotState int8

const (
	slotEmpty slotState = iota
	slotBound
	slotDisposable
)

// slotKey identifies an index path within a specific object directory,
// stable across refreshes as long as the directory resolver keeps
// returning the same *Dir for the same logical directory.
type slotKey struct {
	dir  *Dir
	path string
}

type slot struct {
	state slotState
	key   slotKey
	mtime int64
	midx  bool

	index  idxfile.Index
	loaded bool

	// retireGen is the generation the slot was still valid under when
	// marked disposable; it can only be physically freed once no live
	// Snapshot at or before this generation remains outstanding.
	retireGen uint64
}

// IndexLookup pairs a decoded index with the slot it lives at, so a
// PackID minted from a lookup can be checked against the map's
// generation later.
type IndexLookup struct {
	Slot  int
	Dir   *Dir
	Path  string
	Index idxfile.Index
}

// PackID identifies a pack within one Snapshot's generation. Callers
// that cache a PackID across a refresh must re-validate it against the
// map's current generation before using it again.
type PackID struct {
	Slot       int
	Generation uint64
}

// Snapshot is an immutable view published atomically by the slot map.
type Snapshot struct {
	Indices []IndexLookup
	Loose   []*loose.Backend
	Marker  Marker
}

// Dir is one object directory (the primary store, or one alternate).
// Every call to the Store's dirs resolver should return the same *Dir
// value for the same logical directory, since slot identity keys off
// pointer equality of Dir alongside the relative index path.
type Dir struct {
	FS   billy.Filesystem
	Kind hash.Kind
}

// Store is the slot map: a fixed-capacity array of slots guarded by a
// refresh mutex, with an atomically swappable published Snapshot.
//
// The root pointer is an atomic.Pointer so readers never block on the
// refresh mutex. A refresh updates the one slot array in place: it
// marks superseded slots disposable, binds new paths, frees disposable
// slots that no outstanding Snapshot can reach, and only then
// atomic-stores the new root Snapshot built from the bound slots.
type Store struct {
	capacity int

	mu         sync.Mutex // serializes Refresh
	slots      []slot
	generation uint64

	root *atomic.Pointer[Snapshot]

	dirs func() ([]*Dir, error)

	stableHolders int32 // atomic: count of callers requiring pack-id stability

	refMu    sync.Mutex
	refCount map[uint64]int64 // generation -> outstanding Snapshot holders
}

// New builds a Store with the given fixed slot capacity. dirs resolves
// the primary object directory plus its alternates on every refresh;
// the caller owns alternate-cycle detection (returning ErrAlternateCycle)
// and de-duplication of the final directory list.
func New(capacity int, dirs func() ([]*Dir, error)) *Store {
	s := &Store{
		capacity: capacity,
		slots:    make([]slot, capacity),
		dirs:     dirs,
		root:     new(atomic.Pointer[Snapshot]),
		refCount: make(map[uint64]int64),
	}
	s.root.Store(&Snapshot{})
	return s
}

// CollectSnapshot returns the currently published Snapshot without
// triggering a refresh, registering it as outstanding against its
// generation. The caller must call Release on the result once it is
// done deriving handles from it, so a disposable slot from that
// generation can eventually be freed.
func (s *Store) CollectSnapshot() *Snapshot {
	snap := s.root.Load()
	s.track(snap)
	return snap
}

// Release retires one outstanding reference to a Snapshot previously
// returned by CollectSnapshot or Refresh, allowing a later Refresh to
// physically free slots that were disposable as of snap's generation.
func (s *Store) Release(snap *Snapshot) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	g := snap.Marker.Generation
	s.refCount[g]--
	if s.refCount[g] <= 0 {
		delete(s.refCount, g)
	}
}

// minLiveGeneration returns the oldest generation with an outstanding
// Snapshot reference, and whether any exists at all.
func (s *Store) minLiveGeneration() (uint64, bool) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	var min uint64
	found := false
	for g, c := range s.refCount {
		if c <= 0 {
			continue
		}
		if !found || g < min {
			min, found = g, true
		}
	}
	return min, found
}

// PromiseStability marks the caller as requiring pack-id stability
// across refreshes: while any promise is outstanding, disposable slots
// are neither reused nor freed, and the generation does not bump for
// them. The returned func retires the promise.
func (s *Store) PromiseStability() (release func()) {
	atomic.AddInt32(&s.stableHolders, 1)
	var once sync.Once
	return func() {
		once.Do(func() { atomic.AddInt32(&s.stableHolders, -1) })
	}
}

func (s *Store) stabilityRequired() bool {
	return atomic.LoadInt32(&s.stableHolders) > 0
}

// diskEntry is one (key, mtime) pair observed while scanning a pack/
// directory, per step 5 of the refresh protocol.
type diskEntry struct {
	key   slotKey
	mtime int64
	midx  bool
}

// scanPackDir lists dir's pack/ subdirectory for *.idx files and a file
// literally named "multi-pack-index".
func scanPackDir(d *Dir, packDir string) ([]diskEntry, error) {
	infos, err := d.FS.ReadDir(packDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []diskEntry
	for _, fi := range infos {
		name := fi.Name()
		full := d.FS.Join(packDir, name)
		switch {
		case name == "multi-pack-index":
			out = append(out, diskEntry{key: slotKey{dir: d, path: full}, mtime: fi.ModTime().Unix(), midx: true})
		case strings.HasSuffix(name, ".idx"):
			out = append(out, diskEntry{key: slotKey{dir: d, path: full}, mtime: fi.ModTime().Unix()})
		}
	}
	return out, nil
}

// Refresh performs consolidate_with_disk_state: it rescans every object
// directory's pack/ subdirectory, reconciles the result against the
// current slot array, and publishes a new Snapshot. The bool result
// reports ReplaceStable (true, generation unchanged) vs Replace (false).
// The returned Snapshot is registered as outstanding exactly like one
// from CollectSnapshot; the caller must Release it once done.
//
// RefreshMode is consulted by the caller (typically the object handle's
// lookup loop) to decide *when* to call Refresh; once called, Refresh
// always performs the full protocol regardless of mode.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, bool, error) {
	before := s.root.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 3: another goroutine may have refreshed while we waited for
	// the mutex; if the published pointer moved, hand back its result
	// without rescanning again.
	if after := s.root.Load(); after != before {
		s.track(after)
		return after, after.Marker.Generation == before.Marker.Generation, nil
	}

	dirs, err := s.dirs()
	if err != nil {
		return nil, false, err
	}

	entries, err := s.scanAll(ctx, dirs)
	if err != nil {
		return nil, false, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime > entries[j].mtime })

	oldSet := make(map[slotKey]int, len(s.slots))
	for i, sl := range s.slots {
		if sl.state == slotBound {
			oldSet[sl.key] = i
		}
	}

	matched := make(map[slotKey]bool, len(entries))
	var toAssign []diskEntry
	type move struct {
		entry   diskEntry
		oldSlot int
	}
	var toMove []move

	for _, e := range entries {
		if i, ok := oldSet[e.key]; ok {
			matched[e.key] = true
			if e.midx && s.slots[i].mtime != e.mtime {
				toMove = append(toMove, move{e, i})
				continue
			}
			s.slots[i].mtime = e.mtime
			s.slots[i].state = slotBound
			continue
		}
		toAssign = append(toAssign, e)
	}

	preGen := s.generation

	for key, i := range oldSet {
		if !matched[key] {
			s.slots[i].state = slotDisposable
			s.slots[i].retireGen = preGen
		}
	}

	stable := s.stabilityRequired()
	bumped := false

	assignOne := func(e diskEntry) error {
		start := s.maxUsedSlot() + 1
		for tries := 0; tries < s.capacity; tries++ {
			idx := (start + tries) % s.capacity
			sl := &s.slots[idx]
			if sl.state == slotEmpty {
				s.bind(idx, e)
				return nil
			}
			if sl.state == slotDisposable && !stable {
				s.bind(idx, e)
				bumped = true
				return nil
			}
		}
		return &InsufficientSlots{Current: s.capacity, Needed: s.boundCount() + 1}
	}

	for _, mv := range toMove {
		if err := assignOne(mv.entry); err != nil {
			return nil, false, err
		}
		// A MIDX rewrite invalidates every PackLocation minted against
		// its old slot regardless of which kind of slot the rewrite
		// lands in, so the generation always bumps here, not only when
		// assignOne happened to reuse a disposable slot.
		bumped = true
		// The old slot keeps serving stale readers until a later pass
		// frees it; it becomes disposable now that its content moved.
		s.slots[mv.oldSlot].state = slotDisposable
		s.slots[mv.oldSlot].retireGen = preGen
	}
	for _, e := range toAssign {
		if err := assignOne(e); err != nil {
			return nil, false, err
		}
	}

	s.freeDisposables()
	if bumped {
		s.generation++
	}

	snap := s.buildSnapshot(dirs)
	s.root.Store(snap)
	s.track(snap)

	return snap, !bumped, nil
}

func (s *Store) track(snap *Snapshot) {
	s.refMu.Lock()
	s.refCount[snap.Marker.Generation]++
	s.refMu.Unlock()
}

// maxUsedSlot returns the highest index currently bound or disposable,
// or -1 if the array is entirely empty (so round-robin assignment
// starts at slot 0, per step 9).
func (s *Store) maxUsedSlot() int {
	max := -1
	for i, sl := range s.slots {
		if sl.state != slotEmpty {
			max = i
		}
	}
	return max
}

func (s *Store) boundCount() int {
	n := 0
	for _, sl := range s.slots {
		if sl.state == slotBound {
			n++
		}
	}
	return n
}

func (s *Store) bind(idx int, e diskEntry) {
	s.slots[idx] = slot{state: slotBound, key: e.key, mtime: e.mtime, midx: e.midx}
}

// freeDisposables physically frees disposable slots whose retirement
// generation no Snapshot reference can still reach: once minLiveGeneration
// exceeds a slot's retireGen, nothing still holding a Snapshot published
// at or before retireGen can be dereferencing it (a Snapshot at a later
// generation was built from the already-disposable or already-freed
// state and never points at it). Nothing is freed while a stability
// promise is outstanding.
func (s *Store) freeDisposables() {
	if s.stabilityRequired() {
		return
	}
	min, found := s.minLiveGeneration()
	for i, sl := range s.slots {
		if sl.state != slotDisposable {
			continue
		}
		if found && sl.retireGen >= min {
			continue
		}
		s.slots[i] = slot{}
	}
}

func (s *Store) scanAll(ctx context.Context, dirs []*Dir) ([]diskEntry, error) {
	results := make([][]diskEntry, len(dirs))
	g, _ := errgroup.WithContext(ctx)
	for i, d := range dirs {
		i, d := i, d
		g.Go(func() error {
			es, err := scanPackDir(d, "pack")
			if err != nil {
				return err
			}
			results[i] = es
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []diskEntry
	for _, es := range results {
		out = append(out, es...)
	}
	return out, nil
}

func (s *Store) buildSnapshot(dirs []*Dir) *Snapshot {
	snap := &Snapshot{Marker: Marker{Generation: s.generation, StateID: s.generation*uint64(len(s.slots)) + uint64(s.boundCount())}}
	for i, sl := range s.slots {
		if sl.state != slotBound {
			continue
		}
		// Index is nil until a caller lazily loads it via LoadOneIndex;
		// the slot is still listed here so a lookup knows which slots
		// to probe and load.
		snap.Indices = append(snap.Indices, IndexLookup{Slot: i, Dir: sl.key.dir, Path: sl.key.path, Index: sl.index})
	}
	// Newest-mtime-first: a lookup probing every slot in order is more
	// likely to hit a recently written pack early.
	sort.Slice(snap.Indices, func(i, j int) bool {
		return s.slots[snap.Indices[i].Slot].mtime > s.slots[snap.Indices[j].Slot].mtime
	})
	for _, d := range dirs {
		snap.Loose = append(snap.Loose, loose.New(d.FS, d.Kind))
	}
	return snap
}

// LoadOneIndex opens the index bound to slot i through the caller's
// open func if it is not already loaded, and returns it. Called lazily on first
// hit against a slot's path rather than eagerly by Refresh, so a rescan
// that touches hundreds of packs does not pay decode cost for packs
// nothing ever looks up.
func (s *Store) LoadOneIndex(i int, open func(fs billy.Filesystem, path string, midx bool) (idxfile.Index, error)) (idxfile.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.slots) {
		return nil, fmt.Errorf("slotmap: slot %d out of range", i)
	}
	sl := &s.slots[i]
	if sl.state != slotBound {
		return nil, fmt.Errorf("slotmap: slot %d not bound", i)
	}
	if sl.loaded {
		return sl.index, nil
	}
	idx, err := open(sl.key.dir.FS, sl.key.path, sl.midx)
	if err != nil {
		return nil, err
	}
	sl.index = idx
	sl.loaded = true
	return idx, nil
}

// Generation returns the current generation counter.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}
