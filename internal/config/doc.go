// Package config loads and validates parley-gateway configuration from YAML
// files with environment variable expansion.
package config
