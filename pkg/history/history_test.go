package history

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/relaybot/pkg/conversation"
	"github.com/go-go-golems/relaybot/pkg/upstream"
)

func sampleRecords() []conversation.ResumeRecord {
	return []conversation.ResumeRecord{
		{
			ChatID:         10,
			ConversationID: "ABCDEF1234",
			LastPrompt:     "what is go",
			Current:        true,
			Expiry:         time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC),
			State: upstream.ResumeState{
				Backend:   "bing",
				SessionID: "51D|BingProd|ABCDEF1234",
				Data:      map[string]string{"client_id": "c1", "signature": "sig", "invocation": "2"},
			},
		},
		{
			ChatID:         11,
			ConversationID: "0f3a9c2b1d",
			State:          upstream.ResumeState{Backend: "chatgpt", SessionID: "chatgpt|gpt|0f3a9c2b1d"},
		},
	}
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "history.yaml"))
	recs, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestFileStore_SaveReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "history.yaml")
	s := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRecords()))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, sampleRecords(), got)

	require.NoError(t, s.Save(ctx, sampleRecords()[1:]))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(11), got[0].ChatID)

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conversations: [unterminated"), 0o600))
	_, err := NewFileStore(path).Load(context.Background())
	require.Error(t, err)
}

// Needs a reachable redis; set RELAYBOT_TEST_REDIS=host:port to run.
func TestRedisStore_SaveAndLoad(t *testing.T) {
	addr := os.Getenv("RELAYBOT_TEST_REDIS")
	if addr == "" {
		t.Skip("RELAYBOT_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	key := "relaybot:test:" + t.Name()
	defer client.Del(context.Background(), key)

	s := NewRedisStore(client, key)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleRecords()))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	sort.Slice(got, func(i, j int) bool { return got[i].ChatID < got[j].ChatID })
	require.Equal(t, sampleRecords(), got)

	require.NoError(t, s.Save(ctx, nil))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}
