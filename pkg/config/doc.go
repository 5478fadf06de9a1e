/*
Package config loads the orchestrator's configuration surfaces: the main
config file (viper, with DROVER_* environment overrides), the blueprint
definitions (YAML mapping, declaration order preserved because it is the
per-tick evaluation order), and the flows directory (one YAML file per flow,
validated on load).

Configuration errors are the only errors that fail a tick; everything here
validates eagerly so a broken file is caught before any task is touched.
*/
package config
