// Package stores provides the persistence layer for the storefront client.
// It includes a SQLite-based store with WAL mode and embedded migrations
// for installed apps, install attempts, and the event log.
package stores
