// Package config loads gateway process settings and tenant connection
// configs.
//
// Process settings come from layered JSON files merged over defaults, then
// PROTOGATE_* environment overrides (see Loader). Tenant configs come from a
// Source: a YAML or JSON file watched with fsnotify, a NATS JetStream KV
// bucket, or an in-memory map for tests. Every tenant record is checked
// against an embedded JSON schema before semantic validation, and a loaded
// TenantConfig is never mutated afterwards; reloads replace it wholesale.
package config
