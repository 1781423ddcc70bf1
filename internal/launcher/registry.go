package launcher

import (
	"fmt"
	"sort"

	"github.com/3cpo-dev/testnode/internal/node"
)

type Registry struct {
	launchers map[node.Mode]Launcher
}

func NewRegistry() *Registry {
	return &Registry{launchers: map[node.Mode]Launcher{}}
}

func (r *Registry) Register(l Launcher) {
	r.launchers[l.Name()] = l
}

// Select returns the launcher for mode. It has no side effects; an unknown
// mode is a config error.
func (r *Registry) Select(mode node.Mode) (Launcher, error) {
	l, ok := r.launchers[mode]
	if !ok {
		return nil, node.ConfigError("select launcher", fmt.Errorf("unknown mode %q (registered: %v)", mode, r.Modes()))
	}
	return l, nil
}

// Modes lists the registered modes in order.
func (r *Registry) Modes() []node.Mode {
	out := make([]node.Mode, 0, len(r.launchers))
	for m := range r.launchers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
