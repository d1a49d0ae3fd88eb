// SPDX-License-Identifier: MPL-2.0

package matrixfile

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Select returns the environments named in names, in matrix declaration order.
// An empty names list selects every runnable environment. Unknown or abstract
// names fail with ErrUnknownEnvironment.
func (m *Matrix) Select(names []string) ([]Environment, error) {
	if len(names) == 0 {
		return m.Runnable(), nil
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		env, ok := m.Environment(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, name)
		}
		if env.Abstract {
			return nil, fmt.Errorf("%w: %q is abstract", ErrUnknownEnvironment, name)
		}
		wanted[name] = true
	}

	out := make([]Environment, 0, len(wanted))
	for _, env := range m.Environments {
		if wanted[env.Name] {
			out = append(out, env)
		}
	}
	return out, nil
}

// Names returns the names of every runnable environment.
func (m *Matrix) Names() []string {
	var names []string
	for _, env := range m.Environments {
		if !env.Abstract {
			names = append(names, env.Name)
		}
	}
	return names
}

// Fingerprint is a short content hash of the resolved descriptor. Two runs
// with the same fingerprint executed the same definition.
func (e *Environment) Fingerprint() string {
	// Struct fields marshal in declaration order and map keys sorted,
	// so the encoding is canonical.
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:6])
}
