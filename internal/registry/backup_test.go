package registry

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupDocumentLayout(t *testing.T) {
	be := NewMemoryBackend()
	require.NoError(t, be.Set(At(LocalMachine, testKey, "Name"), String("alpha")))
	require.NoError(t, be.Set(At(LocalMachine, testKey, "Count"), DWord(42)))
	s := newTestStore(t, be)

	rec, err := s.TransactionalApply([]Op{
		Write{Addr: At(LocalMachine, testKey, "Name"), Value: String("beta")},
		Write{Addr: At(LocalMachine, testKey, "Count"), Value: DWord(43)},
		Write{Addr: At(LocalMachine, testKey, "New"), Value: String("gamma")},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.Handle, "backup_"))
	assert.True(t, strings.HasSuffix(rec.Handle, ".json"))

	raw, err := os.ReadFile(rec.Path)
	require.NoError(t, err)

	var doc struct {
		Meta map[string]any                       `json:"meta"`
		Data map[string]map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "tester", doc.Meta["created_by"])
	assert.Equal(t, "transaction", doc.Meta["reason"])
	assert.NotZero(t, doc.Meta["ts"])

	key := `HKLM\SOFTWARE\Midnight\Test`
	require.Contains(t, doc.Data, key)
	assert.JSONEq(t, `["alpha", 1]`, string(doc.Data[key]["Name"]))
	assert.JSONEq(t, `[42, 4]`, string(doc.Data[key]["Count"]))
	assert.Equal(t, "null", string(doc.Data[key]["New"]))

	sig, err := os.ReadFile(rec.Path + sigExt)
	require.NoError(t, err)
	assert.Equal(t, signPayload(raw), string(sig))
	assert.Len(t, string(sig), 64)
}

func TestLoadBackupMissingSignature(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	require.NoError(t, s.Write(At(LocalMachine, testKey, "Name"), Strings("a", "b")))
	files := backupFiles(t, s)
	require.Len(t, files, 2)

	var handle string
	for _, f := range files {
		if strings.HasSuffix(f, sigExt) {
			require.NoError(t, os.Remove(f))
		} else {
			handle = f[len(s.BackupDir())+1:]
		}
	}

	rec, err := s.LoadBackup(handle)
	require.NotNil(t, rec)
	assert.Error(t, err)
	v := rec.Payload[At(LocalMachine, testKey, "Name")]
	assert.Nil(t, v, "the value did not exist before the write")
}

func TestDecodeBackupRejectsGarbage(t *testing.T) {
	_, _, _, err := decodeBackup([]byte("{"))
	assert.Error(t, err)

	_, _, _, err = decodeBackup([]byte(`{"meta":{},"data":{"NOPE\\x":{"a":null}}}`))
	assert.Error(t, err)

	_, _, _, err = decodeBackup([]byte(`{"meta":{},"data":{"HKLM\\x":{"a":["v", 99]}}}`))
	assert.Error(t, err)
}

func TestDecodeBackupValueTypes(t *testing.T) {
	doc := `{"meta":{"created_by":"x","ts":1},"data":{"HKCU\\Software\\K":{
		"s":["str",1],"e":["%TEMP%",2],"b":["3q0=",3],"d":[7,4],"m":[["x","y"],7],"q":[1099511627776,11],"gone":null}}}`
	meta, payload, order, err := decodeBackup([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "x", meta.CreatedBy)
	assert.Len(t, order, 7)

	at := func(name string) *Value { return payload[At(CurrentUser, `Software\K`, name)] }
	assert.Equal(t, String("str"), *at("s"))
	assert.Equal(t, ExpandString("%TEMP%"), *at("e"))
	assert.Equal(t, Binary([]byte{0xde, 0xad}), *at("b"))
	assert.Equal(t, DWord(7), *at("d"))
	assert.Equal(t, Strings("x", "y"), *at("m"))
	assert.Equal(t, QWord(1<<40), *at("q"))
	assert.Nil(t, at("gone"))
}
