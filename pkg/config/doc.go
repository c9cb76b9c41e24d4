// Package config holds the configurable overlay of the companion core:
// service and scan-response data UUID overrides, the background-wake beacon
// UUID, and feature toggles.
//
// Resolution order is defaults, then an optional YAML file, then COMPANION_*
// environment variables. Later sources win per field.
package config
