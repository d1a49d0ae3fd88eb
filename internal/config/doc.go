// SPDX-License-Identifier: MPL-2.0

// Package config handles the envmatrix tool configuration using Viper with CUE as the file format.
//
// Configuration is loaded from $XDG_CONFIG_HOME/envmatrix/config.cue (~/Library/Application
// Support/envmatrix/config.cue on macOS, %APPDATA%\envmatrix\config.cue on Windows) or from an
// explicit file. Files are validated against the embedded #Config schema (config_schema.cue),
// merged over built-in defaults, and finally overridden by ENVMATRIX_* environment variables.
//
// Matrix files may carry a settings block; ApplySettings layers it over the tool
// configuration so that command-line flags remain the only thing with higher precedence.
package config
