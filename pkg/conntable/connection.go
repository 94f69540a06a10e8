package conntable

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saintparish4/unl/pkg/sock"
	"github.com/saintparish4/unl/pkg/types"
)

// Connection is one live stream in the table, tagged with how it was
// established.
type Connection struct {
	*sock.Sock

	ID            string
	Direction     types.Direction
	Role          types.NodeRole
	Relayed       bool
	EstablishedAt time.Time
}

// NewConnection tags s with a fresh id
func NewConnection(s *sock.Sock, dir types.Direction, role types.NodeRole) *Connection {
	return &Connection{
		Sock:          s,
		ID:            uuid.NewString(),
		Direction:     dir,
		Role:          role,
		EstablishedAt: time.Now(),
	}
}

func (c *Connection) String() string {
	kind := c.Direction.String()
	if c.Relayed {
		kind += ",relayed"
	}
	return fmt.Sprintf("%s [%s %s]", c.RemoteAddr(), kind, c.Role)
}
