// SPDX-License-Identifier: MPL-2.0

package matrixfile

import (
	"errors"
	"maps"
	"slices"

	"github.com/envmatrix/envmatrix/internal/dag"
)

// resolve applies `extends` inheritance in parent-first order and fills the
// runtime default. Unknown parents and inheritance cycles are returned as
// field errors; environments involved in them are left unresolved.
func (m *Matrix) resolve() []error {
	var errs []error

	index := make(map[string]int, len(m.Environments))
	for i, env := range m.Environments {
		if _, dup := index[env.Name]; !dup {
			index[env.Name] = i
		}
	}

	g := dag.New()
	for _, env := range m.Environments {
		g.AddNode(env.Name)
	}
	for _, env := range m.Environments {
		if env.Extends == "" {
			continue
		}
		switch {
		case env.Extends == env.Name:
			errs = append(errs, fieldErr(envField(env.Name, "extends"), "environment cannot extend itself"))
		case !g.Has(env.Extends):
			errs = append(errs, fieldErr(envField(env.Name, "extends"), "unknown environment %q", env.Extends))
		default:
			g.AddEdge(env.Extends, env.Name)
		}
	}
	if len(errs) > 0 {
		return errs
	}

	order, err := g.TopologicalSort()
	if err != nil {
		var cycle *dag.CycleError
		if errors.As(err, &cycle) {
			return []error{fieldErr("environments", "extends %v", err)}
		}
		return []error{err}
	}

	for _, name := range order {
		child := &m.Environments[index[name]]
		if child.Extends != "" {
			parent := m.Environments[index[child.Extends]]
			inherit(child, &parent)
		}
	}
	for i := range m.Environments {
		if m.Environments[i].Runtime == "" {
			m.Environments[i].Runtime = RuntimeContainer
		}
	}
	return nil
}

// inherit fills child fields left empty from parent. Maps are merged with the
// child winning, capability tags are unioned, step lists are inherited whole.
func inherit(child, parent *Environment) {
	if child.Runtime == "" {
		child.Runtime = parent.Runtime
	}
	if child.Image == "" {
		child.Image = parent.Image
	}
	if child.WorkDir == "" {
		child.WorkDir = parent.WorkDir
	}
	if child.Mounts == nil {
		child.Mounts = slices.Clone(parent.Mounts)
	}
	if child.Timeout == "" {
		child.Timeout = parent.Timeout
	}
	if child.Build == nil && parent.Build != nil {
		b := *parent.Build
		b.Args = maps.Clone(parent.Build.Args)
		child.Build = &b
	}

	caps := slices.Clone(parent.Capabilities)
	for _, c := range child.Capabilities {
		if !slices.Contains(caps, c) {
			caps = append(caps, c)
		}
	}
	child.Capabilities = caps

	if len(parent.Env) > 0 {
		env := maps.Clone(parent.Env)
		maps.Copy(env, child.Env)
		child.Env = env
	}

	if child.Setup == nil {
		child.Setup = slices.Clone(parent.Setup)
	}
	if child.Test == nil {
		child.Test = slices.Clone(parent.Test)
	}
	if child.Optional == nil {
		child.Optional = slices.Clone(parent.Optional)
	}
}
