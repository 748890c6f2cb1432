package netadapter

import "context"

// Interface describes one network adapter.
type Interface struct {
	Name        string // connection name, e.g. "Ethernet"
	Description string // driver description, e.g. "Intel(R) Ethernet Connection"
	MAC         string
	Up          bool
}

// Controller is the OS boundary for adapter operations. Lookups of unknown
// adapters return a fault.KindNotFound error.
type Controller interface {
	Disable(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	// InterfaceGUID returns the adapter's NetCfgInstanceId, braces included.
	InterfaceGUID(ctx context.Context, name string) (string, error)
	SetMACFallback(ctx context.Context, name string, mac MAC) error
	ResetMACFallback(ctx context.Context, name string) error
	CurrentMAC(ctx context.Context, name string) (MAC, error)
	Interfaces(ctx context.Context) ([]Interface, error)
}
