package refs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing"
)

// LockMode selects how a transaction waits to acquire a lock file.
type LockMode struct {
	backoff bool
	maxWait time.Duration
}

// Immediate fails fast if a lock is already held.
func Immediate() LockMode { return LockMode{} }

// AfterDurationWithBackoff retries with exponential backoff until d has
// elapsed, then fails with a lock-acquire error.
func AfterDurationWithBackoff(d time.Duration) LockMode {
	return LockMode{backoff: true, maxWait: d}
}

// TxState is the transaction's lifecycle state.
type TxState int8

const (
	TxOpen TxState = iota
	TxPrepared
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxPrepared:
		return "prepared"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// preparedRefLock is the per-edit state accumulated during Prepare: the
// lock file backing it, the content staged for commit, and enough of
// the pre-edit value to write a reflog line.
type preparedRefLock struct {
	edit       *plumbing.RefEdit
	lockPath   string
	lockFile   billy.File
	targetPath string

	deletion bool
	skip     bool // downgraded to a no-op (unborn symbolic rejection)
	content  string

	hadPrevious bool
	previous    plumbing.Target
}

// Transaction applies a batch of RefEdits as one prepare/commit unit,
// coordinating per-ref lock files and an optional packed-refs rewrite.
type Transaction struct {
	store *Store
	state TxState

	edits []*plumbing.RefEdit

	packedParticipates bool
	packedLock         billy.File
	packedBuf          *packedRefs

	refLocks []*preparedRefLock
}

// Transaction starts a new transaction against s. The zero-value result
// of Prepare/Commit/Rollback sequencing is enforced by TxState.
func (s *Store) Transaction() *Transaction {
	return &Transaction{store: s, state: TxOpen}
}

// Prepare splits deref edits, classifies packed-refs participation,
// acquires locks, evaluates preconditions, and stages content. On any
// failure every lock already acquired by this call is released before
// returning.
func (tx *Transaction) Prepare(edits []*plumbing.RefEdit, refLockMode, packedLockMode LockMode) (err error) {
	if tx.state != TxOpen {
		return fmt.Errorf("refs: transaction is %s, not open", tx.state)
	}
	defer func() {
		if err != nil {
			tx.releaseAll()
			tx.state = TxRolledBack
		}
	}()

	resolved := make([]*plumbing.RefEdit, len(edits))
	for i, e := range edits {
		resolved[i], err = tx.derefIfNeeded(e)
		if err != nil {
			return err
		}
	}
	tx.edits = resolved

	needsPackedLookup := false
	for _, e := range resolved {
		if e.Kind == plumbing.EditDelete {
			needsPackedLookup = true
			break
		}
	}

	basePacked := emptyPackedRefs()
	if needsPackedLookup {
		basePacked, err = tx.store.readPacked()
		if err != nil {
			return err
		}
		participates := false
		for _, e := range resolved {
			if e.Kind == plumbing.EditDelete {
				if _, ok := basePacked.lookup(e.Name); ok {
					participates = true
					break
				}
			}
		}
		if participates {
			if lerr := tx.acquirePackedLock(packedLockMode); lerr != nil {
				return fmt.Errorf("%w: %v", ErrPackedTransactionAcquire, lerr)
			}
			tx.packedParticipates = true
		}
	}

	createdByTx := map[plumbing.ReferenceName]bool{}
	for _, e := range resolved {
		if e.Kind == plumbing.EditUpdate {
			createdByTx[e.Name] = true
		}
	}

	removeFromPacked := map[plumbing.ReferenceName]bool{}

	for _, e := range resolved {
		lock, lerr := tx.acquireRefLock(e, refLockMode)
		if lerr != nil {
			return &LockAcquireError{FullName: e.Name, Source: lerr}
		}
		tx.refLocks = append(tx.refLocks, lock)

		current, hasCurrent, cerr := tx.store.findWithPacked(e.Name, basePacked)
		if cerr != nil {
			return cerr
		}
		lock.hadPrevious = hasCurrent
		if hasCurrent {
			lock.previous = current.Target()
		}

		if perr := evaluatePrecondition(e, hasCurrent, current); perr != nil {
			return perr
		}

		switch e.Kind {
		case plumbing.EditDelete:
			if !hasCurrent {
				return &DeleteReferenceMustExistError{FullName: e.Name}
			}
			lock.deletion = true
			if tx.packedParticipates {
				removeFromPacked[e.Name] = true
			}

		case plumbing.EditUpdate:
			newTarget := e.New
			if newTarget.IsSymbolic() {
				target := newTarget.Symbol()
				if !createdByTx[target] {
					_, exists, ferr := tx.store.findWithPacked(target, basePacked)
					if ferr != nil {
						return ferr
					}
					if !exists {
						e.Mode = plumbing.RejectedToReplaceWithUnborn
						lock.skip = true
						continue
					}
				}
			}
			lock.content = encodeLooseContent(newTarget)
			if _, werr := lock.lockFile.Write([]byte(lock.content)); werr != nil {
				return werr
			}
		}
	}

	if tx.packedParticipates {
		tx.packedBuf = basePacked.withoutAndWith(removeFromPacked, nil)
		if perr := tx.packedBuf.encode(tx.packedLock); perr != nil {
			return fmt.Errorf("%w: %v", ErrPackedTransactionPrepare, perr)
		}
	}

	tx.state = TxPrepared
	return nil
}

// derefIfNeeded rewrites an edit with Deref set that targets a
// currently-symbolic reference to apply to the dereferenced name
// instead.
func (tx *Transaction) derefIfNeeded(e *plumbing.RefEdit) (*plumbing.RefEdit, error) {
	if !e.Deref {
		return e, nil
	}
	current, ok, err := tx.store.Find(e.Name)
	if err != nil {
		return nil, err
	}
	if !ok || !current.Target().IsSymbolic() {
		return e, nil
	}
	redirected := *e
	redirected.Name = current.Target().Symbol()
	return &redirected, nil
}

func evaluatePrecondition(e *plumbing.RefEdit, hasCurrent bool, current *plumbing.Reference) error {
	switch e.Expected.Kind {
	case plumbing.Any:
		return nil
	case plumbing.MustExist:
		if !hasCurrent {
			return &MustExistError{FullName: e.Name}
		}
		return nil
	case plumbing.MustNotExist:
		if hasCurrent {
			return &MustNotExistError{FullName: e.Name, Actual: current.Target()}
		}
		return nil
	case plumbing.MustExistAndMatch:
		if !hasCurrent {
			return &MustExistError{FullName: e.Name}
		}
		if !current.Target().Equal(e.Expected.Target) {
			return &ReferenceOutOfDateError{FullName: e.Name, Expected: e.Expected.Target, Actual: current.Target()}
		}
		return nil
	case plumbing.ExistingMustMatch:
		if !hasCurrent {
			return nil
		}
		if !current.Target().Equal(e.Expected.Target) {
			return &ReferenceOutOfDateError{FullName: e.Name, Expected: e.Expected.Target, Actual: current.Target()}
		}
		return nil
	default:
		return nil
	}
}

func encodeLooseContent(t plumbing.Target) string {
	if t.IsSymbolic() {
		return "ref: " + string(t.Symbol()) + "\n"
	}
	return t.ID().String() + "\n"
}

func (tx *Transaction) acquireRefLock(e *plumbing.RefEdit, mode LockMode) (*preparedRefLock, error) {
	targetPath := string(e.Name)
	lockPath := targetPath + ".lock"
	f, err := tx.createLockFile(lockPath, mode)
	if err != nil {
		return nil, err
	}
	return &preparedRefLock{edit: e, lockPath: lockPath, lockFile: f, targetPath: targetPath}, nil
}

func (tx *Transaction) acquirePackedLock(mode LockMode) error {
	f, err := tx.createLockFile(packedRefsFile+".lock", mode)
	if err != nil {
		return err
	}
	tx.packedLock = f
	return nil
}

// createLockFile acquires an exclusive-create lock file, grounded on
// dotgit_setref.go's OpenFile(O_CREATE) pattern but using a distinct
// "<name>.lock" path so it can be renamed into place independently of
// the target file's own current contents.
func (tx *Transaction) createLockFile(lockPath string, mode LockMode) (billy.File, error) {
	if dir := path.Dir(lockPath); dir != "." {
		if err := tx.store.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(mode.maxWait)
	backoff := 2 * time.Millisecond
	for {
		f, err := tx.store.fs.OpenFile(lockPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !mode.backoff || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// Commit runs the packed-refs subtransaction first (rename-into-place),
// then renames or unlinks each per-ref lock over its target, then
// appends reflogs.
func (tx *Transaction) Commit() error {
	if tx.state != TxPrepared {
		return fmt.Errorf("refs: transaction is %s, not prepared", tx.state)
	}

	if tx.packedParticipates {
		lockName := tx.packedLock.Name()
		if err := tx.packedLock.Close(); err != nil {
			tx.releaseAll()
			tx.state = TxRolledBack
			return err
		}
		if err := renameOrCopy(tx.store.fs, lockName, packedRefsFile); err != nil {
			tx.releaseAll()
			tx.state = TxRolledBack
			return err
		}
		tx.packedLock = nil
	}

	for _, lock := range tx.refLocks {
		if lock.skip {
			lock.lockFile.Close()
			tx.store.fs.Remove(lock.lockPath)
			continue
		}
		if lock.deletion {
			lock.lockFile.Close()
			tx.store.fs.Remove(lock.lockPath)
			if err := tx.store.fs.Remove(lock.targetPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		if err := lock.lockFile.Close(); err != nil {
			return err
		}
		if err := renameOrCopy(tx.store.fs, lock.lockPath, lock.targetPath); err != nil {
			return err
		}
	}

	for _, lock := range tx.refLocks {
		tx.appendReflog(lock)
	}

	tx.state = TxCommitted
	return nil
}

// Rollback drops every acquired lock without renaming anything into
// place.
func (tx *Transaction) Rollback() error {
	if tx.state == TxCommitted {
		return fmt.Errorf("refs: transaction already committed")
	}
	tx.releaseAll()
	tx.state = TxRolledBack
	return nil
}

func (tx *Transaction) releaseAll() {
	for _, lock := range tx.refLocks {
		if lock.lockFile != nil {
			lock.lockFile.Close()
		}
		tx.store.fs.Remove(lock.lockPath)
	}
	tx.refLocks = nil
	if tx.packedLock != nil {
		name := tx.packedLock.Name()
		tx.packedLock.Close()
		tx.store.fs.Remove(name)
		tx.packedLock = nil
	}
}

func shouldAutoLog(name plumbing.ReferenceName) bool {
	if name == plumbing.HEAD {
		return true
	}
	switch name.Category() {
	case plumbing.CategoryBranch, plumbing.CategoryRemote:
		return true
	default:
		return false
	}
}

func (tx *Transaction) appendReflog(lock *preparedRefLock) {
	e := lock.edit
	if e.Log.Mode == plumbing.ReflogDisable {
		return
	}
	if e.Log.Mode == plumbing.ReflogAuto && !e.Log.ForceCreateReflog && !shouldAutoLog(e.Name) && !lock.hadPrevious {
		return
	}

	zero := hash.Zero(tx.store.kind)
	oldID := zero
	if lock.hadPrevious && lock.previous.IsPeeled() {
		oldID = lock.previous.ID()
	}
	newID := zero
	if !lock.deletion && !lock.skip && e.New.IsPeeled() {
		newID = e.New.ID()
	}

	line := fmt.Sprintf("%s %s\t%s\n", oldID.String(), newID.String(), e.Log.Message)
	logPath := path.Join("logs", string(e.Name))
	if dir := path.Dir(logPath); dir != "." {
		if err := tx.store.fs.MkdirAll(dir, 0o755); err != nil {
			return
		}
	}
	f, err := tx.store.fs.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write([]byte(line))
}

// renameOrCopy commits a staged lock file into its target path,
// grounded on dotgit_rewrite_packed_refs.go's rename-first-then-copy
// fallback for filesystems that cannot rename over an existing file.
func renameOrCopy(fs billy.Filesystem, oldpath, newpath string) error {
	err := fs.Rename(oldpath, newpath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, billy.ErrNotSupported) {
		return err
	}
	return copyInto(fs, oldpath, newpath)
}

func copyInto(fs billy.Filesystem, oldpath, newpath string) error {
	src, err := fs.Open(oldpath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := fs.Create(newpath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return fs.Remove(oldpath)
}
