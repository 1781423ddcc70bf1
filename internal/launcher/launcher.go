// Package launcher defines the launch strategies for a node and the registry
// that selects one by mode.
package launcher

import (
	"context"

	"github.com/3cpo-dev/testnode/internal/node"
)

// Launcher starts a node one way: as a local process, a container or a
// process on a remote host.
type Launcher interface {
	Name() node.Mode
	// Prepare recreates the node's working directory.
	Prepare(ctx context.Context, cfg node.RunConfig) error
	// Launch initialises the node home and starts the node.
	Launch(ctx context.Context, cfg node.RunConfig) (*node.Handle, error)
}

// Remover is implemented by launchers whose nodes outlive the CLI process and
// can be torn down later by id.
type Remover interface {
	Remove(ctx context.Context, nodeID string) error
}
