// Package postgres provides PostgreSQL implementations of the store
// interfaces. All implementations use the standard database/sql package
// with the pgx driver and map driver errors to the store package's
// sentinel errors.
package postgres
