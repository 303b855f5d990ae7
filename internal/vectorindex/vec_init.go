//go:build sqlite_vec && cgo

package vectorindex

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Registers the vec0 virtual table and distance functions as an
	// auto-loadable extension on the mattn/go-sqlite3 driver.
	vec.Auto()
}
