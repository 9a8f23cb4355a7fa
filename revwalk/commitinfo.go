package revwalk

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing"
	"github.com/go-vcs/gitstore/storage/odb"
)

// ErrNotACommit is returned when a looked-up id resolves to an object
// other than a commit.
var ErrNotACommit = errors.New("revwalk: object is not a commit")

// ErrCommitNotFound is returned when a looked-up id is absent from the
// object store entirely.
var ErrCommitNotFound = errors.New("revwalk: commit not found")

// ParseCommitInfo extracts the header fields a walk needs (parent ids,
// committer time) from a commit object's decoded payload, without
// building a full commit model. Grounded on the header-line scan in
// the teacher's Commit.Decode (tree/parent/author/committer lines
// terminated by a blank line before the message body).
func ParseCommitInfo(id hash.ObjectID, data []byte) (Info, error) {
	info := Info{ID: id}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			break
		}
		sp := bytes.IndexByte(line, ' ')
		if sp < 0 {
			continue
		}
		key, rest := string(line[:sp]), line[sp+1:]
		switch key {
		case "parent":
			pid, err := hash.FromHex(string(bytes.TrimSpace(rest)))
			if err != nil {
				return Info{}, fmt.Errorf("revwalk: malformed parent line: %w", err)
			}
			info.ParentIDs = append(info.ParentIDs, pid)
		case "committer":
			t, err := parseSignatureTime(rest)
			if err != nil {
				return Info{}, err
			}
			info.CommitTime = t
		}
	}
	if err := sc.Err(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// parseSignatureTime reads the trailing "<unix-seconds> <tz>" fields
// off a "name <email> <seconds> <tz>" signature line.
func parseSignatureTime(line []byte) (time.Time, error) {
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return time.Time{}, fmt.Errorf("revwalk: malformed signature %q", line)
	}
	secs, err := strconv.ParseInt(string(fields[len(fields)-2]), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("revwalk: malformed signature timestamp: %w", err)
	}
	loc := parseTZOffset(string(fields[len(fields)-1]))
	return time.Unix(secs, 0).In(loc), nil
}

func parseTZOffset(tz string) *time.Location {
	if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
		return time.UTC
	}
	hours, err1 := strconv.Atoi(tz[1:3])
	mins, err2 := strconv.Atoi(tz[3:5])
	if err1 != nil || err2 != nil {
		return time.UTC
	}
	offset := hours*3600 + mins*60
	if tz[0] == '-' {
		offset = -offset
	}
	return time.FixedZone(tz, offset)
}

// FromObjectStore builds a FindCommit backed by an object handle,
// rejecting non-commit objects with ErrNotACommit.
func FromObjectStore(ctx context.Context, h *odb.Handle) FindCommit {
	return func(id hash.ObjectID) (Info, error) {
		obj, _, ok, err := h.TryFind(ctx, id)
		if err != nil {
			return Info{}, err
		}
		if !ok {
			return Info{}, fmt.Errorf("%w: %s", ErrCommitNotFound, id)
		}
		if obj.Kind != plumbing.CommitObject {
			return Info{}, fmt.Errorf("%w: %s is a %s", ErrNotACommit, id, obj.Kind)
		}
		return ParseCommitInfo(id, obj.Data)
	}
}
