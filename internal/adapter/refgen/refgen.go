// Package refgen issues transaction reference numbers.
package refgen

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

const feePrefix = "FEE-"

// Snowflake references are unique across nodes as long as every running
// process has its own node id (0-1023).
type Snowflake struct {
	node *snowflake.Node
}

func NewSnowflake(nodeID int64) (*Snowflake, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Snowflake{node: node}, nil
}

// Next returns an upper-case base32 id; fee transactions get the FEE- prefix.
func (g *Snowflake) Next(kind domain.TransactionType) string {
	ref := strings.ToUpper(g.node.Generate().Base32())
	if kind == domain.TypeFee {
		return feePrefix + ref
	}
	return ref
}
