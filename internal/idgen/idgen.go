// Package idgen hands out snowflake identifiers for computers and sessions.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Snowflake implements session.IDGenerator.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake builds a generator for node (0..1023). Each sessiond instance needs its own node.
func NewSnowflake(node int64) (*Snowflake, error) {
	generator, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &Snowflake{node: generator}, nil
}

// NextID returns a positive, time-ordered identifier.
func (generator *Snowflake) NextID() int64 {
	return generator.node.Generate().Int64()
}
