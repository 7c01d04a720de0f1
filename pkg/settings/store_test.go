package settings

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.db")
	dsn, err := DSNForFile(path)
	require.NoError(t, err)
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dsn
}

func TestStore_AddAndDefaults(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Add(ctx, 42))
	require.NoError(t, s.Add(ctx, 42))

	ok, err = s.Exists(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	cs, err := s.Get(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, Defaults(42), cs)
	require.False(t, cs.TTS.Enabled())
}

func TestStore_UnknownChat(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, 7)
	require.True(t, errors.Is(err, ErrUnknownChat))
	require.True(t, errors.Is(s.SetVoice(ctx, 7, "x"), ErrUnknownChat))
}

func TestStore_Setters(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, 1))

	require.NoError(t, s.SetVoice(ctx, 1, "es-ES-ElviraNeural"))
	require.NoError(t, s.SetStyle(ctx, 1, "creative"))
	require.Error(t, s.SetStyle(ctx, 1, "loud"))
	require.NoError(t, s.SetBackend(ctx, 1, CapabilityChat, "chatgpt"))
	require.NoError(t, s.SetBackend(ctx, 1, CapabilityASR, "assemblyai"))
	require.NoError(t, s.SetBackend(ctx, 1, CapabilityImage, "dall-e"))
	require.Error(t, s.SetBackend(ctx, 1, CapabilityImage, "chatgpt"))
	require.Error(t, s.SetBackend(ctx, 1, Capability("video"), "x"))

	cs, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "es-ES-ElviraNeural", cs.Voice)
	require.Equal(t, "creative", cs.Style)
	require.Equal(t, "chatgpt", cs.Backend(CapabilityChat))
	require.Equal(t, "assemblyai", cs.Backend(CapabilityASR))
	require.Equal(t, "dall-e", cs.Backend(CapabilityImage))
}

func TestStore_ToggleTTS(t *testing.T) {
	s, dsn := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, 1))

	v, err := s.ToggleTTS(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, TTSOn, v)
	v, err = s.ToggleTTS(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, TTSOff, v)

	// a zeroed flag is off until toggled
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`UPDATE users SET tts = 0 WHERE cid = 1`)
	require.NoError(t, err)
	cs, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, TTSUnset, cs.TTS)
	require.False(t, cs.TTS.Enabled())
	v, err = s.ToggleTTS(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, TTSOn, v)
}

func TestStore_MigratesOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	dsn, err := DSNForFile(path)
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE users (cid INTEGER PRIMARY KEY, voice TEXT, tts INTEGER, style TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (cid, voice, tts, style) VALUES (5, 'en-GB-SoniaNeural', 1, 'precise')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(dsn)
	require.NoError(t, err)
	defer s.Close()

	cs, err := s.Get(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, "en-GB-SoniaNeural", cs.Voice)
	require.True(t, cs.TTS.Enabled())
	require.Equal(t, "precise", cs.Style)
	require.Equal(t, DefaultChatBackend, cs.ChatBackend)
	require.Equal(t, DefaultASRBackend, cs.ASRBackend)
	require.Equal(t, DefaultImageBackend, cs.ImageBackend)
}

func TestStore_List(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	for _, id := range []int64{30, 10, 20} {
		require.NoError(t, s.Add(ctx, id))
	}
	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, int64(10), all[0].ChatID)
	require.Equal(t, int64(30), all[2].ChatID)
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(" ")
	require.Error(t, err)
	_, err = DSNForFile("")
	require.Error(t, err)
}
