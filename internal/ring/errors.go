package ring

import "errors"

var (
	// ErrDuplicateNode is returned by AddNode for a node that is already a member.
	ErrDuplicateNode = errors.New("ring: node already present")
	// ErrNodeNotFound is returned by RemoveNode for a node that is not a member.
	ErrNodeNotFound = errors.New("ring: node not found")
	// ErrEmptyRing is returned by lookups when no node is registered.
	ErrEmptyRing = errors.New("ring: no nodes available")
	// ErrInvalidNode is returned by AddNode for an empty node id.
	ErrInvalidNode = errors.New("ring: empty node id")
)
