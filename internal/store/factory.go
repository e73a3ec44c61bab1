package store

import "fmt"

// New creates a store for the given driver ("sqlite" or "postgres").
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q (want sqlite or postgres)", driver)
	}
}
