package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/midnight/agent/internal/fault"
)

const testKey = `SOFTWARE\Midnight\Test`

func allow() error { return nil }

func newTestStore(t *testing.T, be Backend, opts ...Option) *Store {
	t.Helper()
	base := []Option{WithElevationCheck(allow), WithCreatedBy("tester")}
	s, err := NewStore(be, t.TempDir(), append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func backupFiles(t *testing.T, s *Store) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(s.BackupDir(), "backup_*"))
	require.NoError(t, err)
	return matches
}

func TestStore_WriteAndRead(t *testing.T) {
	be := NewMemoryBackend()
	s := newTestStore(t, be)
	addr := At(LocalMachine, testKey, "Name")

	_, err := s.Read(addr)
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	require.NoError(t, s.Write(addr, String("alpha")))
	v, err := s.Read(addr)
	require.NoError(t, err)
	assert.Equal(t, String("alpha"), v)

	// Lookup is case-insensitive on path and name.
	v, err = s.Read(At(LocalMachine, `software\midnight\TEST`, "name"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", v.Data)

	// One backup plus its signature.
	assert.Len(t, backupFiles(t, s), 2)
}

func TestStore_WriteWithoutBackup(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	require.NoError(t, s.Write(At(LocalMachine, testKey, "Name"), DWord(7), WithoutBackup()))
	assert.Empty(t, backupFiles(t, s))
}

func TestStore_WriteRejectsMismatchedData(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	err := s.Write(At(LocalMachine, testKey, "Name"), Value{Data: 12, Type: REG_SZ})
	assert.True(t, errors.Is(err, fault.ErrInvalid))
}

func TestStore_DeleteAbsentValue(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	err := s.Delete(At(LocalMachine, testKey, "Missing"))
	assert.True(t, errors.Is(err, fault.ErrNotFound))
	assert.Empty(t, backupFiles(t, s))
}

func TestStore_Delete(t *testing.T) {
	be := NewMemoryBackend()
	addr := At(LocalMachine, testKey, "Name")
	require.NoError(t, be.Set(addr, String("alpha")))
	s := newTestStore(t, be)

	require.NoError(t, s.Delete(addr))
	_, err := s.Read(addr)
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	backups, err := s.Backups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, String("alpha"), *backups[0].Payload[addr])
}

func TestStore_PermissionDenied(t *testing.T) {
	be := NewMemoryBackend()
	denied := func() error { return errors.New("not an administrator") }
	s := newTestStore(t, be, WithElevationCheck(denied))
	addr := At(LocalMachine, testKey, "Name")

	err := s.Write(addr, String("alpha"))
	assert.True(t, errors.Is(err, fault.ErrPermissionDenied))

	_, err = s.TransactionalApply([]Op{Write{Addr: addr, Value: String("alpha")}})
	assert.True(t, errors.Is(err, fault.ErrPermissionDenied))

	_, err = be.Get(addr)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
	assert.Empty(t, backupFiles(t, s))
}

func TestStore_DryRun(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	be := NewMemoryBackend()
	denied := func() error { return errors.New("not an administrator") }
	s := newTestStore(t, be, WithLogger(zap.New(core)), WithElevationCheck(denied))
	s.SetDryRun(true)
	assert.True(t, s.DryRun())

	addr := At(LocalMachine, testKey, "Name")
	require.NoError(t, s.Write(addr, String("alpha")))
	rec, err := s.TransactionalApply([]Op{
		Write{Addr: addr, Value: String("beta")},
		Delete{Addr: At(LocalMachine, testKey, "Other")},
	})
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = be.Get(addr)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
	assert.Empty(t, backupFiles(t, s))

	marked := logs.FilterMessageSnippet("[DRY-RUN]").All()
	require.Len(t, marked, 3)
	for _, entry := range marked {
		assert.Equal(t, true, entry.ContextMap()["dry_run"])
	}
}

func TestStore_TransactionRollsBack(t *testing.T) {
	be := NewMemoryBackend()
	a := At(LocalMachine, testKey, "A")
	b := At(LocalMachine, testKey, "B")
	c := At(LocalMachine, testKey, "C")
	require.NoError(t, be.Set(a, String("a-old")))
	cause := errors.New("disk on fire")
	be.FailOn(c, cause)

	s := newTestStore(t, be)
	rec, err := s.TransactionalApply([]Op{
		Write{Addr: a, Value: String("a-new")},
		Write{Addr: b, Value: DWord(1)},
		Write{Addr: c, Value: String("c-new")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrTransactionFailure))
	assert.True(t, errors.Is(err, cause))
	require.NotNil(t, rec)

	v, err := be.Get(a)
	require.NoError(t, err)
	assert.Equal(t, "a-old", v.Data)

	_, err = be.Get(b)
	assert.True(t, errors.Is(err, fault.ErrNotFound), "value created by the failed transaction must be removed")
}

func TestStore_TransactionDeleteMissingFails(t *testing.T) {
	be := NewMemoryBackend()
	a := At(LocalMachine, testKey, "A")
	b := At(LocalMachine, testKey, "B")
	c := At(LocalMachine, testKey, "C")
	require.NoError(t, be.Set(a, String("1")))
	require.NoError(t, be.Set(b, String("2")))

	s := newTestStore(t, be)
	rec, err := s.TransactionalApply([]Op{
		Write{Addr: a, Value: String("10")},
		Write{Addr: b, Value: String("20")},
		Delete{Addr: c},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrTransactionFailure))
	assert.True(t, errors.Is(err, fault.ErrNotFound))
	require.NotNil(t, rec)
	assert.Len(t, rec.Payload, 3)

	for addr, want := range map[Address]string{a: "1", b: "2"} {
		v, err := s.Read(addr)
		require.NoError(t, err)
		assert.Equal(t, want, v.Data)
	}
	_, err = s.Read(c)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestStore_TransactionEmpty(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	rec, err := s.TransactionalApply(nil)
	assert.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, backupFiles(t, s))
}

func TestStore_TransactionBackupFailureAborts(t *testing.T) {
	be := NewMemoryBackend()
	s := newTestStore(t, be)
	require.NoError(t, os.RemoveAll(s.BackupDir()))
	require.NoError(t, os.WriteFile(s.BackupDir(), []byte("not a directory"), 0600))

	addr := At(LocalMachine, testKey, "Name")
	_, err := s.TransactionalApply([]Op{Write{Addr: addr, Value: String("alpha")}})
	assert.True(t, errors.Is(err, fault.ErrTransactionFailure))

	_, err = be.Get(addr)
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	err = s.Write(addr, String("alpha"))
	assert.Error(t, err)
	_, err = be.Get(addr)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

// gatedBackend blocks Set on one address until released.
type gatedBackend struct {
	*MemoryBackend
	gate    Address
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Set(addr Address, v Value) error {
	if addr.id() == g.gate.id() {
		close(g.entered)
		<-g.release
	}
	return g.MemoryBackend.Set(addr, v)
}

func TestStore_ReadDuringTransactionSeesSnapshot(t *testing.T) {
	mem := NewMemoryBackend()
	a := At(LocalMachine, testKey, "A")
	b := At(LocalMachine, testKey, "B")
	require.NoError(t, mem.Set(a, String("a-old")))
	be := &gatedBackend{MemoryBackend: mem, gate: b, entered: make(chan struct{}), release: make(chan struct{})}
	s := newTestStore(t, be)

	done := make(chan error, 1)
	go func() {
		_, err := s.TransactionalApply([]Op{
			Write{Addr: a, Value: String("a-new")},
			Write{Addr: b, Value: String("b-new")},
		})
		done <- err
	}()

	select {
	case <-be.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("transaction never reached the gated write")
	}

	// A is already written in the backend but the transaction is in flight.
	raw, err := mem.Get(a)
	require.NoError(t, err)
	assert.Equal(t, "a-new", raw.Data)

	v, err := s.Read(a)
	require.NoError(t, err)
	assert.Equal(t, "a-old", v.Data)
	_, err = s.Read(b)
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	listed, err := s.List(LocalMachine, testKey)
	require.NoError(t, err)
	assert.Equal(t, map[string]Value{"A": String("a-old")}, listed)

	close(be.release)
	require.NoError(t, <-done)

	v, err = s.Read(a)
	require.NoError(t, err)
	assert.Equal(t, "a-new", v.Data)
}

func TestStore_RestoreRoundTrip(t *testing.T) {
	be := NewMemoryBackend()
	a := At(LocalMachine, testKey, "A")
	b := At(CurrentUser, `Software\Midnight`, "Blob")
	created := At(LocalMachine, testKey, "Created")
	require.NoError(t, be.Set(a, String("a-old")))
	require.NoError(t, be.Set(b, Binary([]byte{0xde, 0xad})))

	s := newTestStore(t, be)
	rec, err := s.TransactionalApply([]Op{
		Write{Addr: a, Value: String("a-new")},
		Write{Addr: b, Value: Binary([]byte{0xbe, 0xef})},
		Write{Addr: created, Value: QWord(1 << 40)},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	report, err := s.Restore(rec.Handle)
	require.NoError(t, err)
	assert.Nil(t, report.Integrity)
	assert.Equal(t, 2, report.Restored)
	assert.Equal(t, 1, report.Deleted)

	v, err := be.Get(a)
	require.NoError(t, err)
	assert.Equal(t, "a-old", v.Data)
	v, err = be.Get(b)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, v.Data)
	_, err = be.Get(created)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestStore_RestoreWithBadSignature(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	be := NewMemoryBackend()
	addr := At(LocalMachine, testKey, "Name")
	require.NoError(t, be.Set(addr, String("before")))
	s := newTestStore(t, be, WithLogger(zap.New(core)))

	require.NoError(t, s.Write(addr, String("after")))
	backups, err := s.Backups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 1)
	require.NoError(t, os.WriteFile(backups[0].Path+sigExt, []byte("0000"), 0600))

	report, err := s.Restore(backups[0].Handle)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, errors.Is(report.Integrity, fault.ErrIntegrityMismatch))
	assert.Equal(t, 1, logs.FilterMessageSnippet("signature mismatch").Len())

	v, err := be.Get(addr)
	require.NoError(t, err)
	assert.Equal(t, "before", v.Data)
}

func TestStore_RestoreUnknownHandle(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	_, err := s.Restore("backup_19700101T000000Z_deadbeef.json")
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	_, err = s.Restore("../escape.json")
	assert.True(t, errors.Is(err, fault.ErrInvalid))
}

func TestStore_PurgeBackup(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	require.NoError(t, s.Write(At(LocalMachine, testKey, "Name"), String("alpha")))
	backups, err := s.Backups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 1)

	require.NoError(t, s.PurgeBackup(context.Background(), backups[0].Handle))
	assert.Empty(t, backupFiles(t, s))

	err = s.PurgeBackup(context.Background(), backups[0].Handle)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestStore_BackupsNewestFirst(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := newTestStore(t, NewMemoryBackend(), WithClock(clock))

	require.NoError(t, s.Write(At(LocalMachine, testKey, "One"), String("1")))
	now = now.Add(time.Minute)
	require.NoError(t, s.Write(At(LocalMachine, testKey, "Two"), String("2")))

	backups, err := s.Backups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.True(t, backups[0].Timestamp.After(backups[1].Timestamp))
	assert.Equal(t, "tester", backups[0].CreatedBy)
}

func TestStore_ChildKeysAndFindChild(t *testing.T) {
	be := NewMemoryBackend()
	base := `SYSTEM\Class`
	require.NoError(t, be.Set(At(LocalMachine, JoinPath(base, "0002"), "Id"), String("{C}")))
	require.NoError(t, be.Set(At(LocalMachine, JoinPath(base, "0000"), "Id"), String("{A}")))
	require.NoError(t, be.Set(At(LocalMachine, JoinPath(base, "0001"), "Other"), String("x")))
	require.NoError(t, be.Set(At(LocalMachine, JoinPath(base, "0001", "Deep"), "Id"), String("{B}")))
	s := newTestStore(t, be)

	children, err := s.ChildKeys(LocalMachine, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"0000", "0001", "0002"}, children)

	children[0] = "mutated"
	again, err := s.ChildKeys(LocalMachine, base)
	require.NoError(t, err)
	assert.Equal(t, "0000", again[0])

	path, err := s.FindChild(LocalMachine, base, "Id", func(v Value) bool {
		id, _ := v.AsString()
		return id == "{C}"
	})
	require.NoError(t, err)
	assert.Equal(t, `SYSTEM\Class\0002`, path)

	_, err = s.FindChild(LocalMachine, base, "Id", func(Value) bool { return false })
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	_, err = s.ChildKeys(LocalMachine, `SYSTEM\Missing`)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestStore_InvalidAddress(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	_, err := s.Read(At(HiveUnknown, testKey, "x"))
	assert.True(t, errors.Is(err, fault.ErrInvalid))
	err = s.Write(At(LocalMachine, "", "x"), String("y"))
	assert.True(t, errors.Is(err, fault.ErrInvalid))
}
