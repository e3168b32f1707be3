// Package config loads the enricher's TOML configuration.
//
// Values are layered: built-in defaults, then the file, then the
// IMAGE_ENRICHER_API_KEY environment variable. Path fields are expanded
// (~ and relative paths) before validation.
package config
