// Package odb implements the object handle: the user-facing lookup API
// that resolves an object id to decoded bytes, consulting a slotmap
// Snapshot for indices and packs and recursing through delta chains,
// including across packs via ref-delta.
package odb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	billy "github.com/go-git/go-billy/v5"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing"
	"github.com/go-vcs/gitstore/plumbing/cache"
	"github.com/go-vcs/gitstore/plumbing/format/idxfile"
	"github.com/go-vcs/gitstore/plumbing/format/packfile"
	"github.com/go-vcs/gitstore/storage/slotmap"
)

// DefaultMaxRecursionDepth bounds cross-pack ref-delta resolution.
const DefaultMaxRecursionDepth = 50

var (
	// ErrDeltaBaseRecursionLimit is returned when resolving a chain of
	// cross-pack ref-delta bases exceeds MaxRecursionDepth.
	ErrDeltaBaseRecursionLimit = errors.New("odb: delta base recursion limit exceeded")
	// ErrDeltaBaseMissing is returned when a ref-delta's base id cannot
	// be found in any index, loose backend, or pack.
	ErrDeltaBaseMissing = errors.New("odb: delta base missing")
	// ErrStaleLocation is returned by EntryByLocation when the pack
	// backing loc is no longer resolvable: either the Handle was not
	// built with KeepPacksLoaded and a refresh has since moved past
	// loc's generation, or the handle never opened that pack itself and
	// the slot has since been repurposed.
	ErrStaleLocation = errors.New("odb: stale pack location")
)

// PackLocation identifies where an object's entry lives: a pack (keyed
// by slot and the generation it was found under, so a location handed
// out before a refresh can be detected as stale rather than silently
// misread) and its byte offset within that pack.
type PackLocation struct {
	Pack   slotmap.PackID
	Offset int64
}

// Object is a resolved object: its kind and fully decoded payload.
type Object struct {
	Kind plumbing.ObjectType
	Data []byte
}

// Replacement is one (from, to) pair in the optional replacements
// table: looking up from transparently returns to's content instead.
type Replacement struct {
	From, To hash.ObjectID
}

// Options configures a Handle at construction.
type Options struct {
	MaxRecursionDepth  int
	DeltaCacheBytes    int64
	RefreshMode        slotmap.RefreshMode
	Replacements       []Replacement
	IgnoreReplacements bool
	// KeepPacksLoaded prevents packs underlying previously returned
	// PackLocations from being unloaded across a refresh, at the cost
	// of holding a stability promise against the slot map for the
	// Handle's lifetime.
	KeepPacksLoaded bool
}

// Handle is the object store's lookup surface over a slotmap.Store.
type Handle struct {
	store       *slotmap.Store
	hashKind    hash.Kind
	maxDepth    int
	deltaCache  *cache.Delta
	refreshMode slotmap.RefreshMode

	replacements []Replacement
	ignoreRepl   bool

	releaseStability func()

	mu          sync.Mutex
	openPacks   map[packKey]*openPack
	lastGen     uint64
	haveLastGen bool
}

type packKey struct {
	Slot       int
	Generation uint64
}

type openPack struct {
	pack *packfile.Pack
	idx  idxfile.Index
}

// New builds a Handle over store.
func New(store *slotmap.Store, hashKind hash.Kind, opts Options) *Handle {
	maxDepth := opts.MaxRecursionDepth
	if maxDepth == 0 {
		maxDepth = DefaultMaxRecursionDepth
	}
	h := &Handle{
		store:        store,
		hashKind:     hashKind,
		maxDepth:     maxDepth,
		deltaCache:   cache.NewDelta(opts.DeltaCacheBytes),
		refreshMode:  opts.RefreshMode,
		replacements: append([]Replacement(nil), opts.Replacements...),
		ignoreRepl:   opts.IgnoreReplacements,
		openPacks:    make(map[packKey]*openPack),
	}
	sort.Slice(h.replacements, func(i, j int) bool { return h.replacements[i].From.Less(h.replacements[j].From) })
	if opts.KeepPacksLoaded {
		h.releaseStability = store.PromiseStability()
	}
	return h
}

// Close releases every pack this handle opened and any stability
// promise it holds against the slot map.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for key, op := range h.openPacks {
		if err := op.pack.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.openPacks, key)
	}
	if h.releaseStability != nil {
		h.releaseStability()
		h.releaseStability = nil
	}
	return firstErr
}

func (h *Handle) replace(id hash.ObjectID) hash.ObjectID {
	if h.ignoreRepl || len(h.replacements) == 0 {
		return id
	}
	i := sort.Search(len(h.replacements), func(i int) bool { return !h.replacements[i].From.Less(id) })
	if i < len(h.replacements) && h.replacements[i].From.String() == id.String() {
		return h.replacements[i].To
	}
	return id
}

// noteGeneration clears the delta cache and, unless this Handle holds a
// KeepPacksLoaded stability promise, drops cached pack handles from
// superseded generations whenever a Snapshot with a new generation is
// observed. With KeepPacksLoaded, superseded entries are deliberately
// left open so EntryByLocation can keep resolving locations minted
// before the generation bump, per the handle's stability guarantee.
func (h *Handle) noteGeneration(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.haveLastGen && h.lastGen == gen {
		return
	}
	h.haveLastGen = true
	h.lastGen = gen
	h.deltaCache.Clear()
	if h.releaseStability != nil {
		return
	}
	for key, op := range h.openPacks {
		if key.Generation != gen {
			_ = op.pack.Close()
			delete(h.openPacks, key)
		}
	}
}

// Contains reports whether id resolves to an object, without decoding
// it.
func (h *Handle) Contains(ctx context.Context, id hash.ObjectID) (bool, error) {
	if _, ok, err := h.LocationByOid(ctx, id); err != nil || ok {
		return ok, err
	}
	snap := h.store.CollectSnapshot()
	defer h.store.Release(snap)
	for _, l := range snap.Loose {
		if present, err := l.Contains(h.replace(id)); err != nil {
			return false, err
		} else if present {
			return true, nil
		}
	}
	return false, nil
}

// LocationByOid resolves id to a PackLocation without decoding the
// entry, or ok=false if id is not present in any pack (it may still be
// a loose object).
func (h *Handle) LocationByOid(ctx context.Context, id hash.ObjectID) (PackLocation, bool, error) {
	id = h.replace(id)
	for {
		snap := h.store.CollectSnapshot()
		h.noteGeneration(snap.Marker.Generation)

		for _, lookup := range snap.Indices {
			idx, err := h.loadIndex(lookup)
			if err != nil {
				h.store.Release(snap)
				return PackLocation{}, false, err
			}
			_, offset, ok := idx.Lookup(id)
			if !ok {
				continue
			}
			loc := PackLocation{Pack: slotmap.PackID{Slot: lookup.Slot, Generation: snap.Marker.Generation}, Offset: offset}
			h.store.Release(snap)
			return loc, true, nil
		}
		h.store.Release(snap)

		if h.refreshMode != slotmap.RefreshAfterAllIndicesLoaded {
			return PackLocation{}, false, nil
		}
		next, stable, err := h.store.Refresh(ctx)
		if err != nil {
			return PackLocation{}, false, err
		}
		h.store.Release(next)
		if stable && sameIndexSet(snap, next) {
			return PackLocation{}, false, nil
		}
	}
}

func sameIndexSet(a, b *slotmap.Snapshot) bool {
	if len(a.Indices) != len(b.Indices) {
		return false
	}
	for i := range a.Indices {
		if a.Indices[i].Path != b.Indices[i].Path {
			return false
		}
	}
	return true
}

// TryFind resolves id to its decoded object and (if found in a pack)
// the location it was decoded from.
func (h *Handle) TryFind(ctx context.Context, id hash.ObjectID) (Object, *PackLocation, bool, error) {
	return h.tryFindDepth(ctx, h.replace(id), 0)
}

func (h *Handle) tryFindDepth(ctx context.Context, id hash.ObjectID, depth int) (Object, *PackLocation, bool, error) {
	if depth > h.maxDepth {
		return Object{}, nil, false, ErrDeltaBaseRecursionLimit
	}

	for {
		snap := h.store.CollectSnapshot()
		h.noteGeneration(snap.Marker.Generation)

		obj, loc, found, retry, err := h.scanIndices(ctx, snap, id, depth)
		h.store.Release(snap)
		if err != nil {
			return Object{}, nil, false, err
		}
		if found {
			return obj, loc, true, nil
		}
		if retry {
			continue
		}

		for _, l := range snap.Loose {
			if lobj, ok, err := l.TryFind(id); err != nil {
				return Object{}, nil, false, err
			} else if ok {
				return Object{Kind: lobj.Kind, Data: lobj.Data}, nil, true, nil
			}
		}

		if h.refreshMode != slotmap.RefreshAfterAllIndicesLoaded {
			return Object{}, nil, false, nil
		}
		next, stable, err := h.store.Refresh(ctx)
		if err != nil {
			return Object{}, nil, false, err
		}
		h.store.Release(next)
		if stable && sameIndexSet(snap, next) {
			return Object{}, nil, false, nil
		}
	}
}

// EntryByLocation re-resolves a PackLocation previously returned by
// LocationByOid or TryFind back into a decoded object, without
// re-probing any index. With Options.KeepPacksLoaded held, loc stays
// resolvable across refreshes that would otherwise retire its pack;
// otherwise loc must still belong to the store's current generation.
func (h *Handle) EntryByLocation(ctx context.Context, loc PackLocation) (Object, error) {
	key := packKey{Slot: loc.Pack.Slot, Generation: loc.Pack.Generation}

	h.mu.Lock()
	op, ok := h.openPacks[key]
	h.mu.Unlock()

	if !ok {
		if h.releaseStability == nil {
			return Object{}, fmt.Errorf("%w: pack for slot %d generation %d is not open (current generation %d)",
				ErrStaleLocation, loc.Pack.Slot, loc.Pack.Generation, h.store.Generation())
		}
		var err error
		op, err = h.reopenHeldPack(loc.Pack)
		if err != nil {
			return Object{}, err
		}
	}

	header, err := op.pack.Entry(loc.Offset)
	if err != nil {
		return Object{}, err
	}

	var out bytes.Buffer
	resolveBase := h.resolveBaseFunc(ctx, op.pack, op.idx, 0)
	decoded, err := op.pack.DecodeEntry(header, &out, resolveBase, h.deltaCache)
	if errors.Is(err, packfile.ErrDeltaBaseUnresolved) {
		return Object{}, fmt.Errorf("%w: %s", ErrDeltaBaseMissing, header.BaseID)
	}
	if err != nil {
		return Object{}, err
	}
	return Object{Kind: decoded.Kind, Data: out.Bytes()}, nil
}

// reopenHeldPack is reached only when a KeepPacksLoaded Handle is asked
// to resolve a PackLocation it never itself opened (e.g. loc came from
// a different Handle over the same Store). It re-resolves the slot's
// current binding and refuses if the slot has since been bound to a
// different index.
func (h *Handle) reopenHeldPack(pid slotmap.PackID) (*openPack, error) {
	snap := h.store.CollectSnapshot()
	defer h.store.Release(snap)

	for _, lookup := range snap.Indices {
		if lookup.Slot != pid.Slot {
			continue
		}
		idx, err := h.loadIndex(lookup)
		if err != nil {
			return nil, err
		}
		pack, err := h.loadPack(lookup, pid.Generation, idx)
		if err != nil {
			return nil, err
		}
		if pack == nil {
			break
		}
		op := &openPack{pack: pack, idx: idx}
		return op, nil
	}
	return nil, fmt.Errorf("%w: slot %d generation %d no longer resolvable", ErrStaleLocation, pid.Slot, pid.Generation)
}

// scanIndices probes every index in snap for id, decoding it if found.
// retry=true signals the entry's backing pack vanished out from under
// the lookup (a rare race with a concurrent refresh) and the caller
// should re-collect a fresh snapshot and try again.
func (h *Handle) scanIndices(ctx context.Context, snap *slotmap.Snapshot, id hash.ObjectID, depth int) (Object, *PackLocation, bool, bool, error) {
	for _, lookup := range snap.Indices {
		idx, err := h.loadIndex(lookup)
		if err != nil {
			return Object{}, nil, false, false, err
		}
		_, offset, ok := idx.Lookup(id)
		if !ok {
			continue
		}

		pack, err := h.loadPack(lookup, snap.Marker.Generation, idx)
		if err != nil {
			return Object{}, nil, false, false, err
		}
		if pack == nil {
			return Object{}, nil, false, true, nil
		}

		header, err := pack.Entry(offset)
		if err != nil {
			return Object{}, nil, false, false, err
		}

		var out bytes.Buffer
		resolveBase := h.resolveBaseFunc(ctx, pack, idx, depth)
		decoded, err := pack.DecodeEntry(header, &out, resolveBase, h.deltaCache)
		if errors.Is(err, packfile.ErrDeltaBaseUnresolved) {
			return Object{}, nil, false, false, fmt.Errorf("%w: %s", ErrDeltaBaseMissing, header.BaseID)
		}
		if err != nil {
			return Object{}, nil, false, false, err
		}

		loc := PackLocation{Pack: slotmap.PackID{Slot: lookup.Slot, Generation: snap.Marker.Generation}, Offset: offset}
		return Object{Kind: decoded.Kind, Data: out.Bytes()}, &loc, true, false, nil
	}
	return Object{}, nil, false, false, nil
}

// resolveBaseFunc builds the resolve_base callback DecodeEntry uses for
// ref-delta bases: the same index the delta entry itself came from is
// consulted first (the base is very often in the same pack), then a
// full cross-pack/loose try_find recursion, bounded by maxDepth.
func (h *Handle) resolveBaseFunc(ctx context.Context, pack *packfile.Pack, idx idxfile.Index, depth int) func(hash.ObjectID) (packfile.BaseResolution, error) {
	return func(baseID hash.ObjectID) (packfile.BaseResolution, error) {
		if _, offset, ok := idx.Lookup(baseID); ok {
			header, err := pack.Entry(offset)
			if err != nil {
				return packfile.BaseResolution{}, err
			}
			return packfile.BaseResolution{Kind: packfile.BaseInPack, Header: header, HeaderPack: pack}, nil
		}
		obj, _, found, err := h.tryFindDepth(ctx, baseID, depth+1)
		if err != nil {
			return packfile.BaseResolution{}, err
		}
		if !found {
			return packfile.BaseResolution{Kind: packfile.BaseNone}, nil
		}
		return packfile.BaseResolution{Kind: packfile.BaseOutOfPack, ObjectKind: obj.Kind, Buffer: obj.Data}, nil
	}
}

// loadIndex lazily decodes the index bound to lookup.Slot via the slot
// map, recording the pack name on a freshly-decoded single-pack index
// using the conventional .idx -> .pack naming.
func (h *Handle) loadIndex(lookup slotmap.IndexLookup) (idxfile.Index, error) {
	if lookup.Index != nil {
		return lookup.Index, nil
	}
	return h.store.LoadOneIndex(lookup.Slot, func(fs billy.Filesystem, path string, midx bool) (idxfile.Index, error) {
		if midx {
			fi, err := fs.Stat(path)
			if err != nil {
				return nil, err
			}
			f, err := fs.Open(path)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			return idxfile.DecodeMultiPackIndex(f, fi.ModTime().Unix())
		}
		f, err := fs.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		idx, err := idxfile.DecodePackIndex(f, h.hashKind.Size())
		if err != nil {
			return nil, err
		}
		idx.SetPackName(packNameForIndex(path))
		return idx, nil
	})
}

func packNameForIndex(idxPath string) string {
	return strings.TrimSuffix(idxPath, ".idx") + ".pack"
}

// loadPack opens (or returns the cached handle to) the pack backing the
// entry found in idx, caching it per (slot, generation) so a hot lookup
// loop does not remap on every call. Returns nil, nil if the pack file
// is no longer present (superseded mid-operation), signalling the
// caller to refresh and retry.
func (h *Handle) loadPack(lookup slotmap.IndexLookup, generation uint64, idx idxfile.Index) (*packfile.Pack, error) {
	key := packKey{Slot: lookup.Slot, Generation: generation}

	h.mu.Lock()
	if op, ok := h.openPacks[key]; ok {
		h.mu.Unlock()
		return op.pack, nil
	}
	h.mu.Unlock()

	names := idx.PackNames()
	if len(names) == 0 || names[0] == "" {
		return nil, fmt.Errorf("odb: slot %d index has no pack name", lookup.Slot)
	}
	packPath := names[0]
	if !strings.Contains(packPath, "/") {
		packPath = lookup.Dir.FS.Join("pack", packPath)
	}

	packID := generation<<32 | uint64(uint32(lookup.Slot))
	pack, err := packfile.Open(lookup.Dir.FS, packPath, packID, h.hashKind)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if op, ok := h.openPacks[key]; ok {
		_ = pack.Close()
		return op.pack, nil
	}
	h.openPacks[key] = &openPack{pack: pack, idx: idx}
	return pack, nil
}

// Iter yields every object id reachable across every index and loose
// backend in the current snapshot, deduplicated.
func (h *Handle) Iter(ctx context.Context) ([]hash.ObjectID, error) {
	snap := h.store.CollectSnapshot()
	defer h.store.Release(snap)
	h.noteGeneration(snap.Marker.Generation)

	seen := make(map[string]bool)
	var ids []hash.ObjectID
	add := func(id hash.ObjectID) {
		k := id.String()
		if !seen[k] {
			seen[k] = true
			ids = append(ids, id)
		}
	}

	for _, lookup := range snap.Indices {
		idx, err := h.loadIndex(lookup)
		if err != nil {
			return nil, err
		}
		it, err := idx.Iter()
		if err != nil {
			return nil, err
		}
		for {
			e, ok, err := it.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			add(e.ID)
		}
	}
	for _, l := range snap.Loose {
		ids2, err := l.Iter()
		if err != nil {
			return nil, err
		}
		for _, id := range ids2 {
			add(id)
		}
	}
	return ids, nil
}
