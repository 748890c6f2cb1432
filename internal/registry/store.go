// Package registry is a transactional layer over the Windows registry.
//
// Every mutation is preceded by a durable, signed backup of the values it is
// about to change, so any session can be undone with Restore. Batched writes
// go through TransactionalApply and either land completely or are rolled
// back to the snapshot taken before the batch started.
package registry

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/midnight/agent/internal/fault"
	"github.com/midnight/agent/internal/privilege"
)

// Store serializes all mutations through a single lock. Reads never take
// that lock; while a transaction is in flight they are answered from the
// pre-transaction snapshot for the addresses it touches.
type Store struct {
	backend   Backend
	backupDir string
	index     BackupIndex
	elevated  func() error
	log       *zap.Logger
	now       func() time.Time
	user      string

	mu     sync.Mutex
	dryRun atomic.Bool

	inflightMu sync.RWMutex
	inflight   *snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithIndex records backups in idx in addition to the backup directory.
func WithIndex(idx BackupIndex) Option {
	return func(s *Store) { s.index = idx }
}

// WithElevationCheck replaces the default administrator check.
func WithElevationCheck(check func() error) Option {
	return func(s *Store) { s.elevated = check }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCreatedBy sets the identity stamped into backup metadata.
func WithCreatedBy(name string) Option {
	return func(s *Store) { s.user = name }
}

// NewStore creates a store over backend that keeps its backups in backupDir.
func NewStore(backend Backend, backupDir string, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fault.New(fault.KindInvalid, "open store", "", errors.New("nil backend"))
	}
	if backupDir == "" {
		return nil, fault.New(fault.KindInvalid, "open store", "", errors.New("empty backup directory"))
	}
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	s := &Store{
		backend:   backend,
		backupDir: backupDir,
		elevated:  privilege.Ensure,
		log:       zap.NewNop(),
		now:       time.Now,
		user:      currentUser(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("registry")
	return s, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USERNAME"); name != "" {
		return name
	}
	return "unknown"
}

// BackupDir returns the directory backups are written to.
func (s *Store) BackupDir() string { return s.backupDir }

// SetDryRun toggles dry-run mode. In dry-run mode mutations are logged and
// skipped, and no backups are written.
func (s *Store) SetDryRun(on bool) {
	s.dryRun.Store(on)
	s.log.Info("Dry-run mode changed", zap.Bool("dry_run", on))
}

func (s *Store) DryRun() bool { return s.dryRun.Load() }

// EnsureElevated returns a KindPermissionDenied error when the process lacks
// the rights to mutate the registry.
func (s *Store) EnsureElevated() error {
	if s.elevated == nil {
		return nil
	}
	err := s.elevated()
	if err == nil || fault.Is(err, fault.KindPermissionDenied) {
		return err
	}
	return fault.New(fault.KindPermissionDenied, "elevation check", "", err)
}

// Read returns the value at addr, or a KindNotFound error.
func (s *Store) Read(addr Address) (Value, error) {
	if err := addr.validate(); err != nil {
		return Value{}, err
	}
	if v, ok := s.inflightValue(addr); ok {
		if v == nil {
			return Value{}, fault.New(fault.KindNotFound, "read", addr.String(), nil)
		}
		return cloneValue(*v), nil
	}
	return s.backend.Get(addr)
}

func (s *Store) inflightValue(addr Address) (*Value, bool) {
	s.inflightMu.RLock()
	defer s.inflightMu.RUnlock()
	if s.inflight == nil {
		return nil, false
	}
	return s.inflight.get(addr)
}

// List returns every value stored directly under the key.
func (s *Store) List(hive Hive, path string) (map[string]Value, error) {
	key := Address{Hive: hive, Path: path}
	if err := key.validate(); err != nil {
		return nil, err
	}
	values, err := s.backend.Values(hive, path)
	existed := err == nil
	if err != nil {
		if !fault.Is(err, fault.KindNotFound) {
			return nil, err
		}
		values = make(map[string]Value)
	}

	s.inflightMu.RLock()
	if s.inflight != nil {
		keyID := key.id()
		for _, addr := range s.inflight.order {
			id := addr.id()
			if id.Hive != keyID.Hive || id.Path != keyID.Path {
				continue
			}
			for name := range values {
				if strings.EqualFold(name, addr.Name) {
					delete(values, name)
				}
			}
			if v, _ := s.inflight.get(addr); v != nil {
				values[addr.Name] = cloneValue(*v)
				existed = true
			}
		}
	}
	s.inflightMu.RUnlock()

	if !existed && len(values) == 0 {
		return nil, err
	}
	return values, nil
}

// ChildKeys returns the names of the key's direct subkeys, sorted
// case-insensitively. Each call returns a fresh slice.
func (s *Store) ChildKeys(hive Hive, path string) ([]string, error) {
	names, err := s.backend.SubKeys(hive, path)
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), names...)
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out, nil
}

// FindChild walks the direct subkeys of base and returns the full path of
// the first one whose valueName satisfies match. Subkeys that cannot be read
// are skipped.
func (s *Store) FindChild(hive Hive, base, valueName string, match func(Value) bool) (string, error) {
	children, err := s.ChildKeys(hive, base)
	if err != nil {
		return "", err
	}
	for _, child := range children {
		path := joinPath(base, child)
		v, err := s.Read(At(hive, path, valueName))
		if err != nil {
			if !fault.Is(err, fault.KindNotFound) {
				s.log.Debug("Skipping unreadable subkey", zap.String("key", path), zap.Error(err))
			}
			continue
		}
		if match(v) {
			return path, nil
		}
	}
	return "", fault.New(fault.KindNotFound, "find", hive.String()+`\`+cleanPath(base)+`\*::`+valueName, nil)
}

type mutateConfig struct {
	backup bool
	reason string
}

// MutateOption adjusts a single Write or Delete.
type MutateOption func(*mutateConfig)

// WithoutBackup skips the backup that normally precedes a mutation.
func WithoutBackup() MutateOption {
	return func(c *mutateConfig) { c.backup = false }
}

// WithReason sets the reason recorded in the backup metadata.
func WithReason(reason string) MutateOption {
	return func(c *mutateConfig) { c.reason = reason }
}

func mutateOptions(defReason string, opts []MutateOption) mutateConfig {
	c := mutateConfig{backup: true, reason: defReason}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Write sets one value. Unless WithoutBackup is given, the previous value is
// backed up first and a failed backup aborts the write.
func (s *Store) Write(addr Address, v Value, opts ...MutateOption) error {
	if err := addr.validate(); err != nil {
		return err
	}
	v, err := v.normalize()
	if err != nil {
		return err
	}
	cfg := mutateOptions("write", opts)

	if s.DryRun() {
		s.log.Info("[DRY-RUN] Would write registry value", zap.Bool("dry_run", true),
			zap.Stringer("addr", addr), zap.String("value", truncate(v.Data, 64)))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.EnsureElevated(); err != nil {
		return err
	}
	if cfg.backup {
		snap := newSnapshot()
		if err := s.snapshotLocked(snap, addr); err != nil {
			return err
		}
		if _, err := s.persistBackup(cfg.reason, snap); err != nil {
			return err
		}
	}
	if err := s.backend.Set(addr, v); err != nil {
		return err
	}
	s.log.Debug("Wrote registry value", zap.Stringer("addr", addr), zap.String("type", v.Type.String()))
	return nil
}

// Delete removes one value. Deleting an absent value returns KindNotFound
// without writing a backup.
func (s *Store) Delete(addr Address, opts ...MutateOption) error {
	if err := addr.validate(); err != nil {
		return err
	}
	cfg := mutateOptions("delete", opts)

	if s.DryRun() {
		s.log.Info("[DRY-RUN] Would delete registry value", zap.Bool("dry_run", true),
			zap.Stringer("addr", addr))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.EnsureElevated(); err != nil {
		return err
	}
	if _, err := s.backend.Get(addr); err != nil {
		return err
	}
	if cfg.backup {
		snap := newSnapshot()
		if err := s.snapshotLocked(snap, addr); err != nil {
			return err
		}
		if _, err := s.persistBackup(cfg.reason, snap); err != nil {
			return err
		}
	}
	if err := s.backend.DeleteValue(addr); err != nil {
		return err
	}
	s.log.Debug("Deleted registry value", zap.Stringer("addr", addr))
	return nil
}

// snapshotLocked records the current value at each address, nil when
// absent. Any other read failure aborts.
func (s *Store) snapshotLocked(snap *snapshot, addrs ...Address) error {
	for _, addr := range addrs {
		v, err := s.backend.Get(addr)
		switch {
		case err == nil:
			snap.add(addr, &v)
		case fault.Is(err, fault.KindNotFound):
			snap.add(addr, nil)
		default:
			return fmt.Errorf("failed to snapshot %s: %w", addr, err)
		}
	}
	return nil
}

// TransactionalApply applies ops in order. All touched addresses are backed
// up into a single backup first. If any op fails, every snapshotted address
// is restored and a KindTransactionFailure error wrapping the cause is
// returned. The backup record is returned whenever one was written.
func (s *Store) TransactionalApply(ops []Op) (*BackupRecord, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	prepared := make([]Op, len(ops))
	for i, op := range ops {
		if err := op.Target().validate(); err != nil {
			return nil, err
		}
		if w, ok := op.(Write); ok {
			v, err := w.Value.normalize()
			if err != nil {
				return nil, fault.New(fault.KindInvalid, "apply", w.Addr.String(), err)
			}
			w.Value = v
			op = w
		}
		prepared[i] = op
	}

	if s.DryRun() {
		for _, op := range prepared {
			switch o := op.(type) {
			case Write:
				s.log.Info("[DRY-RUN] Would write registry value", zap.Bool("dry_run", true),
					zap.Stringer("addr", o.Addr), zap.String("value", truncate(o.Value.Data, 64)))
			case Delete:
				s.log.Info("[DRY-RUN] Would delete registry value", zap.Bool("dry_run", true),
					zap.Stringer("addr", o.Addr))
			}
		}
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.EnsureElevated(); err != nil {
		return nil, err
	}

	snap := newSnapshot()
	for _, op := range prepared {
		if err := s.snapshotLocked(snap, op.Target()); err != nil {
			return nil, fault.New(fault.KindTransactionFailure, "snapshot", op.Target().String(), err)
		}
	}
	rec, err := s.persistBackup("transaction", snap)
	if err != nil {
		return nil, fault.New(fault.KindTransactionFailure, "backup", "", err)
	}

	s.publishInflight(snap)
	defer s.publishInflight(nil)

	for i, op := range prepared {
		if err := s.applyLocked(op); err != nil {
			s.log.Error("Transaction step failed, rolling back",
				zap.Int("step", i), zap.Stringer("addr", op.Target()), zap.Error(err))
			rbErr := s.rollbackLocked(snap)
			return rec, fault.New(fault.KindTransactionFailure, "apply", op.Target().String(),
				errors.Join(err, rbErr))
		}
	}
	s.log.Info("Transaction applied", zap.Int("ops", len(prepared)), zapHandle(rec.Handle))
	return rec, nil
}

func (s *Store) publishInflight(snap *snapshot) {
	s.inflightMu.Lock()
	s.inflight = snap
	s.inflightMu.Unlock()
}

func (s *Store) applyLocked(op Op) error {
	switch o := op.(type) {
	case Write:
		return s.backend.Set(o.Addr, o.Value)
	case Delete:
		return s.backend.DeleteValue(o.Addr)
	}
	return fault.New(fault.KindInvalid, "apply", op.Target().String(), errors.New("unknown op"))
}

// rollbackLocked puts every snapshotted address back to its recorded state.
func (s *Store) rollbackLocked(snap *snapshot) error {
	var errs []error
	for _, addr := range snap.order {
		v, _ := snap.get(addr)
		if err := s.restoreValueLocked(addr, v); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", addr, err))
		}
	}
	if len(errs) > 0 {
		s.log.Error("Rollback incomplete", zap.Int("failures", len(errs)))
	}
	return errors.Join(errs...)
}

func (s *Store) restoreValueLocked(addr Address, v *Value) error {
	if v == nil {
		err := s.backend.DeleteValue(addr)
		if fault.Is(err, fault.KindNotFound) {
			return nil
		}
		return err
	}
	return s.backend.Set(addr, *v)
}

// RestoreReport summarizes a Restore.
type RestoreReport struct {
	Handle   string
	Restored int // values written back
	Deleted  int // values removed because they were absent at backup time
	// Integrity is non-nil when the backup's signature was missing or did
	// not match. The restore still proceeds.
	Integrity error
}

// Restore writes every value recorded in the backup back to the registry and
// deletes those that were absent when it was taken. Individual failures do
// not stop the restore; they are joined into the returned error.
func (s *Store) Restore(handle string) (*RestoreReport, error) {
	rec, loadErr := s.LoadBackup(handle)
	if rec == nil {
		return nil, loadErr
	}
	report := &RestoreReport{Handle: handle}
	if loadErr != nil {
		report.Integrity = loadErr
		s.log.Warn("Backup signature mismatch, restoring anyway", zapHandle(handle), zapErr(loadErr))
	}

	addrs := make([]Address, 0, len(rec.Payload))
	for addr := range rec.Payload {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })

	if s.DryRun() {
		for _, addr := range addrs {
			s.log.Info("[DRY-RUN] Would restore registry value", zap.Bool("dry_run", true),
				zap.Stringer("addr", addr), zap.Bool("delete", rec.Payload[addr] == nil))
		}
		return report, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.EnsureElevated(); err != nil {
		return nil, err
	}

	var errs []error
	for _, addr := range addrs {
		v := rec.Payload[addr]
		if err := s.restoreValueLocked(addr, v); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", addr, err))
			continue
		}
		if v == nil {
			report.Deleted++
		} else {
			report.Restored++
		}
	}
	s.log.Info("Restored registry backup", zapHandle(handle),
		zap.Int("restored", report.Restored), zap.Int("deleted", report.Deleted), zap.Int("failed", len(errs)))
	return report, errors.Join(errs...)
}

func zapHandle(h string) zap.Field { return zap.String("backup", h) }
func zapErr(err error) zap.Field   { return zap.Error(err) }
func zapCount(n int) zap.Field     { return zap.Int("values", n) }
