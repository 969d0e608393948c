// Package config loads the launch service configuration from a JSON file,
// overlays LAUNCHPAD_ environment variables (and a local .env file), applies
// defaults and validates the result before any component is constructed.
package config
