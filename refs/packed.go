package refs

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing"
)

const packedRefsFile = "packed-refs"

// packedRefs is the decoded, sorted contents of the packed-refs file:
// a flat list of direct (non-symbolic) references, kept sorted by name
// so lookups can binary-search instead of scanning linearly.
type packedRefs struct {
	refs []*plumbing.Reference
}

func emptyPackedRefs() *packedRefs { return &packedRefs{} }

func decodePackedRefs(r io.Reader) (*packedRefs, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	var out []*plumbing.Reference
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		switch line[0] {
		case '#':
			// header comment, e.g. "# pack-refs with: peeled fully-peeled sorted"
			continue
		case '^':
			// peeled id for the immediately preceding annotated tag; this
			// store resolves tags through the object graph itself rather
			// than trusting the cached peel, so it is not recorded.
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("%w: malformed packed-refs line %q", ErrReferenceDecode, line)
		}
		id, err := hash.FromHex(line[:sp])
		if err != nil {
			return nil, fmt.Errorf("%w: packed-refs id: %v", ErrReferenceDecode, err)
		}
		name := plumbing.ReferenceName(line[sp+1:])
		out = append(out, plumbing.NewHashReference(name, id))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return &packedRefs{refs: out}, nil
}

func (p *packedRefs) lookup(name plumbing.ReferenceName) (*plumbing.Reference, bool) {
	if p == nil {
		return nil, false
	}
	i := sort.Search(len(p.refs), func(i int) bool { return p.refs[i].Name() >= name })
	if i < len(p.refs) && p.refs[i].Name() == name {
		return p.refs[i], true
	}
	return nil, false
}

// withoutAndWith returns a new, sorted packedRefs equal to p but with
// every name in remove absent and every reference in upsert present
// (replacing any existing entry of the same name). Used to build the
// rewritten packed-refs buffer for a transaction's packed subtransaction.
func (p *packedRefs) withoutAndWith(remove map[plumbing.ReferenceName]bool, upsert []*plumbing.Reference) *packedRefs {
	byName := map[plumbing.ReferenceName]*plumbing.Reference{}
	if p != nil {
		for _, ref := range p.refs {
			if remove[ref.Name()] {
				continue
			}
			byName[ref.Name()] = ref
		}
	}
	for _, ref := range upsert {
		if remove[ref.Name()] {
			continue
		}
		byName[ref.Name()] = ref
	}
	out := make([]*plumbing.Reference, 0, len(byName))
	for _, ref := range byName {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return &packedRefs{refs: out}
}

func (p *packedRefs) encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("# pack-refs with: sorted\n"); err != nil {
		return err
	}
	for _, ref := range p.refs {
		if !ref.Name().PackedRefsEligible() {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s %s\n", ref.Target().ID().String(), ref.Name()); err != nil {
			return err
		}
	}
	return bw.Flush()
}
