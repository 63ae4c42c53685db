// Package config loads the ipban configuration.
//
// HCL is the primary format. Files ending in .json or .yaml/.yml are decoded
// with the same schema. HCL files may reference environment variables as
// ${env.NAME}.
//
// Main blocks:
//   - log: level, JSON output and rotating log file
//   - firewall: backend type, chain prefix and refresh cadence
//   - toxic: third-party toxic IP list download
//   - control: named pipe control channel
//   - ip_cache: directory-tree mirror of banned addresses
//   - parser: a tailed log glob, its record handler and its triggers
//
// [Load] decodes, applies defaults and validates. Validation failures are
// configuration errors.
package config
