package sqlite

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// IDGen issues record ids. Log entries get time-ordered snowflake ids;
// devices and customers get prefixed KSUIDs.
type IDGen struct {
	node *snowflake.Node
}

// NewIDGen returns a generator for the given snowflake node (0..1023). Each
// server process sharing a database needs its own node.
func NewIDGen(node int64) (*IDGen, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &IDGen{node: n}, nil
}

func (g *IDGen) LogID() string {
	return g.node.Generate().String()
}

func (g *IDGen) DeviceID() string { return "dev_" + ksuid.New().String() }

func (g *IDGen) CustomerID() string { return "cus_" + ksuid.New().String() }

func defaultIDs() *IDGen {
	g, err := NewIDGen(1)
	if err != nil {
		panic(err)
	}
	return g
}
