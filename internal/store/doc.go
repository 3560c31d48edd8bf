// Package store defines the persistence contract shared by the storage
// backends (Postgres, SQLite, memory). Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
