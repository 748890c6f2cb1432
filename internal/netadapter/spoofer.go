// Package netadapter changes and restores the MAC address of a network
// adapter. The adapter is disabled while its address is rewritten and is
// always re-enabled before Spoof or Reset returns.
package netadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/midnight/agent/internal/fault"
	"github.com/midnight/agent/internal/registry"
)

// ClassKey holds one subkey per network adapter driver instance.
const ClassKey = `SYSTEM\CurrentControlSet\Control\Class\{4d36e972-e325-11ce-bfc1-08002be10318}`

// NetworkAddressValue is the driver override read at adapter start.
const NetworkAddressValue = "NetworkAddress"

const (
	DefaultSettleDelay    = 3 * time.Second
	DefaultVerifyAttempts = 3
)

// Options tunes a Spoofer.
type Options struct {
	SettleDelay    time.Duration
	VerifyAttempts int
	Rand           io.Reader // nil uses crypto/rand
	Logger         *zap.Logger
}

// Result describes a finished spoof.
type Result struct {
	Interface    string
	Previous     MAC
	Requested    MAC
	Current      MAC
	Verified     bool // read-back matched the requested address
	UsedFallback bool // the OS path was used instead of the registry override
	DryRun       bool
	Duration     time.Duration
}

// Spoofer runs the per-adapter MAC state machine. Adapter operations are
// serialized.
type Spoofer struct {
	store *registry.Store
	ctl   Controller
	log   *zap.Logger
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error

	opMu sync.Mutex

	mu        sync.Mutex
	states    map[string]State
	originals map[string]MAC
}

// NewSpoofer builds a spoofer that writes overrides through store and
// drives adapters through ctl.
func NewSpoofer(store *registry.Store, ctl Controller, opts Options) *Spoofer {
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = DefaultVerifyAttempts
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Spoofer{
		store:     store,
		ctl:       ctl,
		log:       log.Named("mac"),
		opts:      opts,
		sleep:     sleepCtx,
		states:    make(map[string]State),
		originals: make(map[string]MAC),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// State returns the adapter's current state; adapters never spoofed, or
// reset since, are Idle.
func (s *Spoofer) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key(name)]
}

// Original returns the address captured before the first spoof.
func (s *Spoofer) Original(name string) (MAC, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.originals[key(name)]
	return m, ok
}

func (s *Spoofer) setState(name string, st State) {
	s.mu.Lock()
	s.states[key(name)] = st
	s.mu.Unlock()
	s.log.Debug("Adapter state", zap.String("interface", name), zap.Stringer("state", st))
}

// CurrentMAC reads the adapter's address. It touches no state.
func (s *Spoofer) CurrentMAC(ctx context.Context, name string) (MAC, error) {
	return s.ctl.CurrentMAC(ctx, name)
}

// Interfaces lists the adapters the controller can see.
func (s *Spoofer) Interfaces(ctx context.Context) ([]Interface, error) {
	return s.ctl.Interfaces(ctx)
}

// ResolveMAC picks the address to apply: explicit wins over vendor, vendor
// over random. An unknown vendor is an error.
func (s *Spoofer) ResolveMAC(vendor, explicit string) (MAC, error) {
	if strings.TrimSpace(explicit) != "" {
		m, err := ParseMAC(explicit)
		if err != nil {
			return MAC{}, err
		}
		if m.Multicast() || m.IsZero() {
			return MAC{}, fault.New(fault.KindInvalid, "resolve mac", explicit, errors.New("not a unicast address"))
		}
		return m, nil
	}
	if strings.TrimSpace(vendor) != "" {
		v, ok := LookupVendor(vendor)
		if !ok {
			return MAC{}, fault.New(fault.KindInvalid, "resolve mac", vendor,
				fmt.Errorf("unknown vendor, expected one of %s", strings.Join(VendorNames(), ", ")))
		}
		return VendorMAC(v.OUI, s.opts.Rand)
	}
	return RandomMAC(s.opts.Rand)
}

// Spoof assigns a new address to the adapter. Any failure after the
// adapter was disabled still re-enables it; a failed re-enable is logged at
// error level and joined into the returned error.
func (s *Spoofer) Spoof(ctx context.Context, name, vendor, explicit string) (res *Result, err error) {
	if strings.TrimSpace(name) == "" {
		return nil, fault.New(fault.KindInvalid, "spoof", "", errors.New("no interface selected"))
	}
	target, err := s.ResolveMAC(vendor, explicit)
	if err != nil {
		return nil, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	res = &Result{Interface: name, Requested: target}
	defer func() { res.Duration = time.Since(start) }()

	prev, err := s.ctl.CurrentMAC(ctx, name)
	if err != nil {
		return res, fmt.Errorf("read current address of %s: %w", name, err)
	}
	res.Previous = prev

	if s.store.DryRun() {
		res.DryRun = true
		res.Current = prev
		s.log.Info("[DRY-RUN] Would change adapter address", zap.Bool("dry_run", true),
			zap.String("interface", name), zap.Stringer("from", prev), zap.Stringer("to", target))
		return res, nil
	}

	if err := s.store.EnsureElevated(); err != nil {
		return res, err
	}

	s.mu.Lock()
	if _, ok := s.originals[key(name)]; !ok {
		s.originals[key(name)] = prev
	}
	s.mu.Unlock()

	s.log.Info("Changing adapter address", zap.String("interface", name),
		zap.Stringer("from", prev), zap.Stringer("to", target))

	enabled := false
	defer func() {
		if enabled {
			return
		}
		if reErr := s.reenable(ctx, name); reErr != nil {
			err = errors.Join(err, reErr)
		}
		if err != nil {
			s.setState(name, Failed)
		}
	}()

	s.setState(name, Disabling)
	if dErr := s.ctl.Disable(ctx, name); dErr != nil {
		return res, fmt.Errorf("disable %s: %w", name, dErr)
	}

	s.setState(name, Writing)
	if regErr := s.writeOverride(ctx, name, target); regErr != nil {
		if fault.Is(regErr, fault.KindPermissionDenied) {
			return res, regErr
		}
		s.log.Warn("Registry override failed, using adapter fallback",
			zap.String("interface", name), zap.Error(regErr))
		if fbErr := s.ctl.SetMACFallback(ctx, name, target); fbErr != nil {
			return res, fmt.Errorf("write address for %s: %w", name, errors.Join(regErr, fbErr))
		}
		res.UsedFallback = true
	}

	s.setState(name, Enabling)
	if eErr := s.ctl.Enable(ctx, name); eErr != nil {
		return res, fmt.Errorf("enable %s: %w", name, eErr)
	}
	enabled = true

	s.setState(name, Verifying)
	res.Current, res.Verified = s.verify(ctx, name, target)
	if !res.Verified {
		s.log.Warn("Adapter reports a different address, the change may still be propagating",
			zap.String("interface", name), zap.Stringer("requested", target), zap.Stringer("current", res.Current))
	} else {
		s.log.Info("Adapter address verified", zap.String("interface", name), zap.Stringer("mac", target))
	}
	s.setState(name, Verified)
	return res, nil
}

// reenable runs even when ctx is already cancelled.
func (s *Spoofer) reenable(ctx context.Context, name string) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.ctl.Enable(ctx, name); err != nil {
		s.log.Error("Failed to re-enable adapter, it may be left disabled",
			zap.String("interface", name), zap.Error(err))
		return fmt.Errorf("re-enable %s: %w", name, err)
	}
	return nil
}

// verify polls the adapter until it reports want or attempts run out.
func (s *Spoofer) verify(ctx context.Context, name string, want MAC) (MAC, bool) {
	var last MAC
	for i := 0; i < s.opts.VerifyAttempts; i++ {
		if err := s.sleep(ctx, s.opts.SettleDelay); err != nil {
			return last, false
		}
		cur, err := s.ctl.CurrentMAC(ctx, name)
		if err != nil {
			s.log.Debug("Read-back failed", zap.String("interface", name), zap.Int("attempt", i+1), zap.Error(err))
			continue
		}
		last = cur
		if cur == want {
			return cur, true
		}
	}
	return last, false
}

// adapterKey finds the adapter's subkey under ClassKey, first by its
// instance GUID and then by a driver description naming it.
func (s *Spoofer) adapterKey(ctx context.Context, name string) (string, error) {
	guid, err := s.ctl.InterfaceGUID(ctx, name)
	if err == nil && guid != "" {
		path, err := s.store.FindChild(registry.LocalMachine, ClassKey, "NetCfgInstanceId", func(v registry.Value) bool {
			id, ok := v.AsString()
			return ok && strings.EqualFold(strings.Trim(id, "{}"), strings.Trim(guid, "{}"))
		})
		if err == nil {
			return path, nil
		}
	} else if err != nil {
		s.log.Debug("Interface GUID lookup failed", zap.String("interface", name), zap.Error(err))
	}

	needles := []string{strings.ToLower(name)}
	if ifaces, err := s.ctl.Interfaces(ctx); err == nil {
		for _, i := range ifaces {
			if strings.EqualFold(i.Name, name) && i.Description != "" {
				needles = append(needles, strings.ToLower(i.Description))
			}
		}
	}
	path, err := s.store.FindChild(registry.LocalMachine, ClassKey, "DriverDesc", func(v registry.Value) bool {
		desc, ok := v.AsString()
		if !ok {
			return false
		}
		desc = strings.ToLower(desc)
		for _, n := range needles {
			if strings.Contains(desc, n) {
				return true
			}
		}
		return false
	})
	if err != nil {
		return "", fmt.Errorf("locate driver key for %s: %w", name, err)
	}
	return path, nil
}

func (s *Spoofer) writeOverride(ctx context.Context, name string, mac MAC) error {
	path, err := s.adapterKey(ctx, name)
	if err != nil {
		return err
	}
	addr := registry.At(registry.LocalMachine, path, NetworkAddressValue)
	if err := s.store.Write(addr, registry.String(mac.Registry()), registry.WithReason("mac spoof "+name)); err != nil {
		return err
	}
	stored, err := s.store.Read(addr)
	if err != nil {
		return fmt.Errorf("read back %s: %w", addr, err)
	}
	if got, _ := stored.AsString(); !strings.EqualFold(got, mac.Registry()) {
		return fmt.Errorf("read back %s: stored %q, want %q", addr, got, mac.Registry())
	}
	return nil
}

// Reset removes the override, asks the OS to reset the address as well, and
// forgets the adapter. The adapter is re-enabled whatever else fails. When the
// address captured before the first spoof is known, the reset only succeeds
// once the adapter reports it again; otherwise the original is kept.
func (s *Spoofer) Reset(ctx context.Context, name string) (err error) {
	if strings.TrimSpace(name) == "" {
		return fault.New(fault.KindInvalid, "reset", "", errors.New("no interface selected"))
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.store.DryRun() {
		s.log.Info("[DRY-RUN] Would reset adapter address", zap.Bool("dry_run", true), zap.String("interface", name))
		return nil
	}
	if err := s.store.EnsureElevated(); err != nil {
		return err
	}

	orig, known := s.Original(name)
	s.setState(name, Resetting)
	var errs []error
	defer func() {
		if reErr := s.reenable(ctx, name); reErr != nil {
			errs = append(errs, reErr)
		}
		if len(errs) == 0 {
			errs = append(errs, s.confirmReset(ctx, name, orig, known))
		}
		err = errors.Join(errs...)
		if err != nil {
			s.setState(name, Failed)
			return
		}
		s.mu.Lock()
		delete(s.states, key(name))
		delete(s.originals, key(name))
		s.mu.Unlock()
		s.log.Info("Adapter address reset", zap.String("interface", name))
	}()

	if dErr := s.ctl.Disable(ctx, name); dErr != nil {
		errs = append(errs, fmt.Errorf("disable %s: %w", name, dErr))
		return
	}

	regErr := s.removeOverride(ctx, name)
	fbErr := s.ctl.ResetMACFallback(ctx, name)
	switch {
	case fault.Is(regErr, fault.KindPermissionDenied):
		errs = append(errs, regErr)
	case regErr != nil && fbErr != nil:
		errs = append(errs, fmt.Errorf("reset address of %s: %w", name, errors.Join(regErr, fbErr)))
	case regErr != nil:
		s.log.Warn("Registry override not removed, OS reset succeeded", zap.String("interface", name), zap.Error(regErr))
	case fbErr != nil:
		s.log.Debug("OS reset path failed", zap.String("interface", name), zap.Error(fbErr))
	}
	return
}

// confirmReset waits for the adapter to settle and, when the pre-spoof
// address is known, checks that the adapter reports it again.
func (s *Spoofer) confirmReset(ctx context.Context, name string, orig MAC, known bool) error {
	if !known {
		_ = s.sleep(ctx, s.opts.SettleDelay)
		return nil
	}
	cur, ok := s.verify(ctx, name, orig)
	if ok {
		return nil
	}
	s.log.Error("Adapter did not return to its original address",
		zap.String("interface", name), zap.Stringer("original", orig), zap.Stringer("current", cur))
	return fault.New(fault.KindExternal, "reset", name,
		fmt.Errorf("adapter reports %s, original was %s", cur, orig))
}

func (s *Spoofer) removeOverride(ctx context.Context, name string) error {
	path, err := s.adapterKey(ctx, name)
	if err != nil {
		return err
	}
	err = s.store.Delete(registry.At(registry.LocalMachine, path, NetworkAddressValue),
		registry.WithReason("mac reset "+name))
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	return err
}
