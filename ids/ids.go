// Package ids generates prefixed identifiers ("wal_2Nf...", "ple_...").
package ids

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

const (
	PrefixWallet = "wal"
	PrefixEntry  = "ple"
	PrefixRun    = "run"
	PrefixPolicy = "pol"
	PrefixRule   = "rul"
)

// ErrConflict is returned when a caller-chosen id already names a record
// that belongs to another owner.
var ErrConflict = errors.New("id belongs to another record")

// Generator returns a new identifier with the given prefix.
type Generator func(prefix string) string

// New returns a KSUID-backed identifier. KSUIDs sort by creation time.
func New(prefix string) string {
	return prefix + "_" + ksuid.New().String()
}

// HasPrefix reports whether id was generated with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}

// Sequence produces snowflake-backed identifiers, strictly increasing within
// one node. Used for ledger entries when several instances share a database.
type Sequence struct {
	node *snowflake.Node
}

// NewSequence creates a Sequence for a node id in [0, 1023].
func NewSequence(nodeID int64) (*Sequence, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &Sequence{node: node}, nil
}

// Next returns the next identifier with the given prefix.
func (s *Sequence) Next(prefix string) string {
	return prefix + "_" + s.node.Generate().String()
}
