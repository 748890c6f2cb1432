package registry

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/midnight/agent/internal/fault"
)

const (
	backupPrefix = "backup_"
	backupExt    = ".json"
	sigExt       = ".sig"
)

// BackupRecord describes one backup file. Payload maps every snapshotted
// address to its value at backup time; a nil entry means the value did not
// exist. Records are immutable once written.
type BackupRecord struct {
	Handle    string
	Path      string
	CreatedBy string
	Reason    string
	Timestamp time.Time
	Payload   map[Address]*Value
	Signature string
}

// BackupIndex keeps a queryable index of backups next to the files
// themselves. The files stay authoritative.
type BackupIndex interface {
	RecordBackup(ctx context.Context, rec BackupRecord) error
	Backups(ctx context.Context) ([]BackupRecord, error)
	ForgetBackup(ctx context.Context, handle string) error
}

type backupMeta struct {
	CreatedBy string `json:"created_by"`
	Timestamp int64  `json:"ts"`
	Reason    string `json:"reason,omitempty"`
}

// backupDocument is the on-disk layout:
// {"meta":{...},"data":{"<hive>\<path>":{"<name>":[value, typeCode] | null}}}
type backupDocument struct {
	Meta backupMeta                            `json:"meta"`
	Data map[string]map[string]json.RawMessage `json:"data"`
}

// snapshot captures values at a set of addresses, in first-touch order.
type snapshot struct {
	order  []Address
	values map[Address]*Value // keyed by Address.id()
}

func newSnapshot() *snapshot {
	return &snapshot{values: make(map[Address]*Value)}
}

func (s *snapshot) add(addr Address, v *Value) {
	id := addr.id()
	if _, ok := s.values[id]; ok {
		return
	}
	s.order = append(s.order, addr)
	s.values[id] = v
}

func (s *snapshot) get(addr Address) (*Value, bool) {
	v, ok := s.values[addr.id()]
	return v, ok
}

func encodeBackup(meta backupMeta, snap *snapshot) ([]byte, error) {
	doc := backupDocument{Meta: meta, Data: make(map[string]map[string]json.RawMessage)}
	for _, addr := range snap.order {
		v, _ := snap.get(addr)
		key := addr.Key()
		if doc.Data[key] == nil {
			doc.Data[key] = make(map[string]json.RawMessage)
		}
		if v == nil {
			doc.Data[key][addr.Name] = json.RawMessage("null")
			continue
		}
		pair, err := json.Marshal([]any{encodeData(*v), uint32(v.Type)})
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", addr, err)
		}
		doc.Data[key][addr.Name] = pair
	}
	return json.MarshalIndent(doc, "", "  ")
}

func encodeData(v Value) any {
	if b, ok := v.Data.([]byte); ok {
		return base64.StdEncoding.EncodeToString(b)
	}
	return v.Data
}

func decodeBackup(raw []byte) (backupMeta, map[Address]*Value, []Address, error) {
	var doc backupDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return backupMeta{}, nil, nil, fmt.Errorf("failed to parse backup: %w", err)
	}

	payload := make(map[Address]*Value)
	var order []Address
	keys := make([]string, 0, len(doc.Data))
	for k := range doc.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, keyPath := range keys {
		hiveStr, path, ok := strings.Cut(keyPath, `\`)
		if !ok {
			return backupMeta{}, nil, nil, fmt.Errorf("malformed key %q in backup", keyPath)
		}
		hive, err := ParseHive(hiveStr)
		if err != nil {
			return backupMeta{}, nil, nil, err
		}
		names := make([]string, 0, len(doc.Data[keyPath]))
		for n := range doc.Data[keyPath] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, name := range names {
			addr := At(hive, path, name)
			v, err := decodePair(doc.Data[keyPath][name])
			if err != nil {
				return backupMeta{}, nil, nil, fmt.Errorf("%s: %w", addr, err)
			}
			payload[addr] = v
			order = append(order, addr)
		}
	}
	return doc.Meta, payload, order, nil
}

func decodePair(raw json.RawMessage) (*Value, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return nil, errors.New("expected [value, typeCode]")
	}
	var code uint32
	if err := json.Unmarshal(pair[1], &code); err != nil {
		return nil, fmt.Errorf("bad type code: %w", err)
	}
	v := Value{Type: ValueType(code)}
	switch v.Type {
	case REG_SZ, REG_EXPAND_SZ:
		var s string
		if err := json.Unmarshal(pair[0], &s); err != nil {
			return nil, err
		}
		v.Data = s
	case REG_DWORD, REG_QWORD:
		var n uint64
		if err := json.Unmarshal(pair[0], &n); err != nil {
			return nil, err
		}
		v.Data = n
	case REG_BINARY:
		var s string
		if err := json.Unmarshal(pair[0], &s); err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		v.Data = b
	case REG_MULTI_SZ:
		var ss []string
		if err := json.Unmarshal(pair[0], &ss); err != nil {
			return nil, err
		}
		v.Data = ss
	default:
		return nil, fmt.Errorf("unsupported type code %d", code)
	}
	return &v, nil
}

func signPayload(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func newBackupHandle(ts time.Time) string {
	return fmt.Sprintf("%s%s_%s%s", backupPrefix, ts.UTC().Format("20060102T150405Z"),
		uuid.NewString()[:8], backupExt)
}

// writeDurable creates path exclusively, writes data and fsyncs the file
// before returning, so a crash after return cannot lose the contents.
func writeDurable(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes directory metadata. Windows cannot fsync a directory
// handle, so failures there are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

func (s *Store) persistBackup(reason string, snap *snapshot) (*BackupRecord, error) {
	ts := s.now()
	meta := backupMeta{CreatedBy: s.user, Timestamp: ts.Unix(), Reason: reason}
	raw, err := encodeBackup(meta, snap)
	if err != nil {
		return nil, err
	}

	handle := newBackupHandle(ts)
	path := filepath.Join(s.backupDir, handle)
	if err := writeDurable(path, raw); err != nil {
		return nil, fmt.Errorf("failed to write backup %s: %w", path, err)
	}
	sig := signPayload(raw)
	if err := writeDurable(path+sigExt, []byte(sig)); err != nil {
		return nil, fmt.Errorf("failed to write backup signature %s: %w", path, err)
	}
	syncDir(s.backupDir)

	payload := make(map[Address]*Value, len(snap.order))
	for _, addr := range snap.order {
		v, _ := snap.get(addr)
		payload[addr] = v
	}
	rec := &BackupRecord{
		Handle:    handle,
		Path:      path,
		CreatedBy: s.user,
		Reason:    reason,
		Timestamp: time.Unix(meta.Timestamp, 0).UTC(),
		Payload:   payload,
		Signature: sig,
	}

	if s.index != nil {
		if err := s.index.RecordBackup(context.Background(), *rec); err != nil {
			s.log.Warn("Backup written but not indexed", zapHandle(handle), zapErr(err))
		}
	}
	s.log.Info("Saved registry backup", zapHandle(handle), zapCount(len(snap.order)))
	return rec, nil
}

// LoadBackup reads a backup file and checks its signature. A missing or
// mismatched signature yields a KindIntegrityMismatch error alongside the
// record; the record is still usable.
func (s *Store) LoadBackup(handle string) (*BackupRecord, error) {
	path, err := s.backupPath(handle)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.New(fault.KindNotFound, "load backup", handle, nil)
		}
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	meta, payload, _, err := decodeBackup(raw)
	if err != nil {
		return nil, fault.New(fault.KindInvalid, "load backup", handle, err)
	}
	rec := &BackupRecord{
		Handle:    handle,
		Path:      path,
		CreatedBy: meta.CreatedBy,
		Reason:    meta.Reason,
		Timestamp: time.Unix(meta.Timestamp, 0).UTC(),
		Payload:   payload,
		Signature: signPayload(raw),
	}

	stored, err := os.ReadFile(path + sigExt)
	switch {
	case err != nil:
		return rec, fault.New(fault.KindIntegrityMismatch, "load backup", handle, errors.New("signature file missing"))
	case strings.TrimSpace(string(stored)) != rec.Signature:
		return rec, fault.New(fault.KindIntegrityMismatch, "load backup", handle, errors.New("signature does not match payload"))
	}
	return rec, nil
}

func (s *Store) backupPath(handle string) (string, error) {
	if handle == "" || filepath.Base(handle) != handle || !strings.HasSuffix(handle, backupExt) {
		return "", fault.New(fault.KindInvalid, "backup", handle, errors.New("not a backup handle"))
	}
	return filepath.Join(s.backupDir, handle), nil
}

// Backups lists known backups, newest first. The journal index is used when
// configured; otherwise the backup directory is scanned.
func (s *Store) Backups(ctx context.Context) ([]BackupRecord, error) {
	if s.index != nil {
		return s.index.Backups(ctx)
	}
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}
	var out []BackupRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupExt) {
			continue
		}
		rec, err := s.LoadBackup(name)
		if rec == nil {
			s.log.Warn("Skipping unreadable backup", zapHandle(name), zapErr(err))
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Handle > out[j].Handle
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// PurgeBackup deletes a backup and its signature. Backups are never removed
// automatically; this is the only deletion path.
func (s *Store) PurgeBackup(ctx context.Context, handle string) error {
	path, err := s.backupPath(handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fault.New(fault.KindNotFound, "purge backup", handle, nil)
		}
		return fmt.Errorf("failed to remove backup: %w", err)
	}
	if err := os.Remove(path + sigExt); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("Failed to remove backup signature", zapHandle(handle), zapErr(err))
	}
	if s.index != nil {
		if err := s.index.ForgetBackup(ctx, handle); err != nil {
			s.log.Warn("Failed to drop backup from index", zapHandle(handle), zapErr(err))
		}
	}
	s.log.Info("Purged registry backup", zapHandle(handle))
	return nil
}
