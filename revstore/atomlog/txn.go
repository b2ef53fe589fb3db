package atomlog

import (
	"errors"
	"fmt"

	"github.com/wbrown/janus-revstore/revstore"
)

// ErrTxnDone is returned when a transaction is used after Commit or Rollback
var ErrTxnDone = errors.New("transaction already finished")

// Verifier checks, under the commit lock, that the state a transaction was
// prepared against still holds.
type Verifier func(r Reader) error

// Txn collects new atoms and verifiers. It is not safe for concurrent use.
type Txn struct {
	log       *Log
	atoms     []*revstore.Atom
	verifiers []Verifier
	err       error
	done      bool
}

// Begin starts a new transaction
func (l *Log) Begin() *Txn {
	return &Txn{log: l}
}

// NewAtom allocates an atom with a fresh id. Atoms created in the same
// transaction may refer to each other. An allocation failure is reported
// by Commit.
func (t *Txn) NewAtom() *revstore.Atom {
	a := &revstore.Atom{}
	if t.done {
		t.err = ErrTxnDone
		return a
	}
	id, err := t.log.nextID()
	if err != nil && t.err == nil {
		t.err = fmt.Errorf("failed to allocate atom id: %w", err)
	}
	a.ID = id
	t.atoms = append(t.atoms, a)
	return a
}

// AddVerifier registers a check run just before the commit is written.
// A failing verifier aborts the commit with revstore.ErrCollision.
func (t *Txn) AddVerifier(v Verifier) {
	t.verifiers = append(t.verifiers, v)
}

// Atoms returns the atoms created so far
func (t *Txn) Atoms() []*revstore.Atom {
	return t.atoms
}

// Commit writes all atoms under a new WCN. An empty transaction commits
// nothing and returns the current tip.
func (t *Txn) Commit() (revstore.WCN, error) {
	if t.done {
		return 0, ErrTxnDone
	}
	t.done = true
	if t.err != nil {
		return 0, t.err
	}
	return t.log.commit(t)
}

// Rollback discards the transaction. Allocated ids are not reused.
func (t *Txn) Rollback() {
	t.done = true
	t.atoms = nil
	t.verifiers = nil
}

// Done reports whether the transaction was committed or rolled back
func (t *Txn) Done() bool {
	return t.done
}
