// Package refs implements the reference store: loose and packed-refs
// reading, symbolic-chain resolution, and the transactional edit
// pipeline that coordinates per-ref locking with packed-refs batching.
package refs

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	billy "github.com/go-git/go-billy/v5"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing"
)

// Store is a filesystem-backed reference store rooted at a git
// directory (the directory containing "HEAD", "refs/", and optionally
// "packed-refs").
type Store struct {
	fs   billy.Filesystem
	kind hash.Kind
}

// New builds a Store rooted at fs.
func New(fs billy.Filesystem, kind hash.Kind) *Store {
	return &Store{fs: fs, kind: kind}
}

// Find resolves name to its immediate reference value (one hop: a
// symbolic reference is returned as-is, not chased). Loose references
// shadow packed ones of the same name.
func (s *Store) Find(name plumbing.ReferenceName) (*plumbing.Reference, bool, error) {
	packed, err := s.readPacked()
	if err != nil {
		return nil, false, err
	}
	return s.findWithPacked(name, packed)
}

// findWithPacked is Find against a packed-refs snapshot the caller
// already holds, so a transaction's preparation sees one consistent
// view across all of its edits instead of re-reading packed-refs once
// per edit.
func (s *Store) findWithPacked(name plumbing.ReferenceName, packed *packedRefs) (*plumbing.Reference, bool, error) {
	ref, ok, err := s.readLoose(name)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return ref, true, nil
	}
	if ref, ok := packed.lookup(name); ok {
		return ref, true, nil
	}
	return nil, false, nil
}

func (s *Store) readPacked() (*packedRefs, error) {
	f, err := s.fs.Open(packedRefsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyPackedRefs(), nil
		}
		return nil, err
	}
	defer f.Close()
	return decodePackedRefs(f)
}

func (s *Store) readLoose(name plumbing.ReferenceName) (*plumbing.Reference, bool, error) {
	f, err := s.fs.Open(string(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()
	return decodeLooseContent(name, f)
}

func decodeLooseContent(name plumbing.ReferenceName, r io.Reader) (*plumbing.Reference, bool, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	line := strings.TrimRight(string(data), "\n")
	if line == "" {
		return nil, false, fmt.Errorf("%w: %s", ErrEmptyRefFile, name)
	}
	if strings.HasPrefix(line, "ref: ") {
		target := plumbing.ReferenceName(strings.TrimSpace(line[len("ref: "):]))
		return plumbing.NewSymbolicReference(name, target), true, nil
	}
	id, err := hash.FromHex(strings.TrimSpace(line))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrReferenceDecode, name, err)
	}
	return plumbing.NewHashReference(name, id), true, nil
}

// PeelToID chases a reference's symbolic chain until it reaches a
// direct (peeled) target, detecting cycles along the way.
func (s *Store) PeelToID(name plumbing.ReferenceName) (hash.ObjectID, error) {
	seen := map[plumbing.ReferenceName]bool{}
	cur := name
	for {
		if seen[cur] {
			return hash.ObjectID{}, fmt.Errorf("%w: starting from %s", ErrCycle, name)
		}
		seen[cur] = true

		ref, ok, err := s.Find(cur)
		if err != nil {
			return hash.ObjectID{}, err
		}
		if !ok {
			return hash.ObjectID{}, fmt.Errorf("%w: %s", ErrReferenceNotFound, cur)
		}
		if ref.Target().IsPeeled() {
			return ref.Target().ID(), nil
		}
		cur = ref.Target().Symbol()
	}
}

// Iter lists every reference (loose and packed, deduplicated with
// loose winning) whose name starts with prefix, sorted by name.
func (s *Store) Iter(prefix string) ([]*plumbing.Reference, error) {
	seen := map[plumbing.ReferenceName]bool{}
	var out []*plumbing.Reference

	collectLoose := func(name plumbing.ReferenceName) error {
		if !strings.HasPrefix(string(name), prefix) {
			return nil
		}
		ref, ok, err := s.readLoose(name)
		if err != nil {
			return err
		}
		if ok {
			seen[name] = true
			out = append(out, ref)
		}
		return nil
	}

	if strings.HasPrefix("HEAD", prefix) || strings.HasPrefix(prefix, "HEAD") {
		if err := collectLoose(plumbing.HEAD); err != nil {
			return nil, err
		}
	}
	if err := s.walkLoose("refs", collectLoose); err != nil {
		return nil, err
	}

	packed, err := s.readPacked()
	if err != nil {
		return nil, err
	}
	for _, ref := range packed.refs {
		if seen[ref.Name()] {
			continue
		}
		if !strings.HasPrefix(string(ref.Name()), prefix) {
			continue
		}
		out = append(out, ref)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (s *Store) walkLoose(dir string, visit func(plumbing.ReferenceName) error) error {
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, fi := range infos {
		full := path.Join(dir, fi.Name())
		if fi.IsDir() {
			if err := s.walkLoose(full, visit); err != nil {
				return err
			}
			continue
		}
		if err := visit(plumbing.ReferenceName(full)); err != nil {
			return err
		}
	}
	return nil
}
