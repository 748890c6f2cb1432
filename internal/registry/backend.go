package registry

// Backend is the raw, non-transactional storage a Store drives. Get and
// DeleteValue return a fault.KindNotFound error for absent values; Set
// creates missing keys.
type Backend interface {
	Get(addr Address) (Value, error)
	Set(addr Address, v Value) error
	DeleteValue(addr Address) error
	Values(hive Hive, path string) (map[string]Value, error)
	SubKeys(hive Hive, path string) ([]string, error)
}
