// Package relation holds the provisioned relations between pairs of xApps.
package relation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRelation is returned for relation ids that were never provisioned.
	ErrUnknownRelation = errors.New("unknown relation")
	// ErrNotAParty is returned when the requester is neither side of a relation.
	ErrNotAParty = errors.New("not a party to relation")
)

// Relation authorizes forwarding between exactly two xApp identities.
type Relation struct {
	ID string `yaml:"id"`
	A  string `yaml:"a"`
	B  string `yaml:"b"`
}

// Validate checks the relation's own invariants.
func (r Relation) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("relation id is empty")
	case r.A == "" || r.B == "":
		return fmt.Errorf("relation %s: both parties are required", r.ID)
	case r.A == r.B:
		return fmt.Errorf("relation %s: parties must differ", r.ID)
	}
	return nil
}

// Table maps relation ids to relations. It is immutable once built and safe
// for concurrent readers without locking.
type Table struct {
	relations map[string]Relation
}

// New builds a Table, rejecting invalid or duplicate relations.
func New(relations ...Relation) (*Table, error) {
	t := &Table{relations: make(map[string]Relation, len(relations))}
	for _, r := range relations {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.relations[r.ID]; dup {
			return nil, fmt.Errorf("relation %s: duplicate id", r.ID)
		}
		t.relations[r.ID] = r
	}
	return t, nil
}

// ResolvePeer returns the other party of relation id as seen by requester.
func (t *Table) ResolvePeer(id, requester string) (string, error) {
	r, ok := t.relations[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRelation, id)
	}
	switch requester {
	case r.A:
		return r.B, nil
	case r.B:
		return r.A, nil
	}
	return "", fmt.Errorf("%w: %s is not part of %s", ErrNotAParty, requester, id)
}

// Len returns the number of provisioned relations.
func (t *Table) Len() int {
	return len(t.relations)
}
