// Package config provides configuration loading and validation for the command smoothing service.
// It reads YAML or TOML files, fills unset fields from defaults and validates every section.
package config
