// SPDX-License-Identifier: MPL-2.0

package config

import "context"

type (
	// LoadOptions selects where the tool configuration comes from. Both fields
	// empty means config.cue in ConfigDir.
	LoadOptions struct {
		// ConfigFilePath is the --config flag; the file must exist.
		ConfigFilePath string
		// ConfigDirPath replaces ConfigDir as the home of config.cue.
		ConfigDirPath string
	}

	// Provider produces the effective tool configuration for a run: built-in
	// defaults, the CUE file and ENVMATRIX_* variables, in that order.
	Provider interface {
		Load(ctx context.Context, opts LoadOptions) (*Config, error)
	}

	// ProviderFunc adapts a function to Provider.
	ProviderFunc func(ctx context.Context, opts LoadOptions) (*Config, error)

	cueProvider struct{}
)

// Load calls f.
func (f ProviderFunc) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	return f(ctx, opts)
}

// Static returns a Provider that hands out copies of cfg, ignoring options.
func Static(cfg *Config) Provider {
	return ProviderFunc(func(context.Context, LoadOptions) (*Config, error) {
		cp := *cfg
		return &cp, nil
	})
}

// NewProvider returns the Provider backed by config.cue.
func NewProvider() Provider {
	return cueProvider{}
}

func (cueProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg, _, err := loadWithOptions(ctx, opts)
	return cfg, err
}
