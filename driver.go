package viewcache

import "github.com/goforj/viewcache/viewcore"

// Driver identifies a cache backend.
type Driver = viewcore.Driver

// Store is the backend contract every driver implements.
type Store = viewcore.Store

const (
	DriverNull   = viewcore.DriverNull
	DriverFile   = viewcore.DriverFile
	DriverMemory = viewcore.DriverMemory
	DriverDynamo = viewcore.DriverDynamo
	DriverSQL    = viewcore.DriverSQL
	DriverRedis  = viewcore.DriverRedis
	DriverNATS   = viewcore.DriverNATS
)
