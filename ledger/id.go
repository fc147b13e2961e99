package ledger

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator produces transaction ids.
type IDGenerator interface {
	NextID() TransactionID
}

// SnowflakeIDs issues time-ordered ids. Two transactions in the same
// millisecond still get distinct ids through the node's sequence counter.
type SnowflakeIDs struct {
	node *snowflake.Node
}

// NewSnowflakeIDs creates a generator for nodeID (0..1023).
func NewSnowflakeIDs(nodeID int64) (*SnowflakeIDs, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &SnowflakeIDs{node: node}, nil
}

func (s *SnowflakeIDs) NextID() TransactionID {
	return TransactionID(s.node.Generate().String())
}

// SequenceIDs is a deterministic generator for tests.
type SequenceIDs struct {
	Prefix string
	n      int
}

func (s *SequenceIDs) NextID() TransactionID {
	s.n++
	return TransactionID(fmt.Sprintf("%s%d", s.Prefix, s.n))
}
