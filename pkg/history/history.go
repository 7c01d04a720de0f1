// Package history saves conversation resumption records across restarts.
package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/relaybot/pkg/conversation"
)

type Store interface {
	Load(ctx context.Context) ([]conversation.ResumeRecord, error)
	// Save replaces everything stored with records.
	Save(ctx context.Context, records []conversation.ResumeRecord) error
}

type fileDoc struct {
	Conversations []conversation.ResumeRecord `yaml:"conversations"`
}

// FileStore keeps records in a YAML file.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns no records when the file does not exist yet.
func (f *FileStore) Load(context.Context) ([]conversation.ResumeRecord, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read history")
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse history %s", f.path)
	}
	return doc.Conversations, nil
}

func (f *FileStore) Save(_ context.Context, records []conversation.ResumeRecord) error {
	raw, err := yaml.Marshal(fileDoc{Conversations: records})
	if err != nil {
		return errors.Wrap(err, "encode history")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrap(err, "create history dir")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrap(err, "write history")
	}
	return errors.Wrap(os.Rename(tmp, f.path), "replace history")
}

// RedisStore keeps one JSON encoded record per hash field, keyed by chat and
// conversation id.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "relaybot:history"
	}
	return &RedisStore{client: client, key: key}
}

func field(r conversation.ResumeRecord) string {
	return strconv.FormatInt(r.ChatID, 10) + ":" + r.ConversationID
}

func (r *RedisStore) Load(ctx context.Context) ([]conversation.ResumeRecord, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load history")
	}
	out := make([]conversation.ResumeRecord, 0, len(vals))
	for f, v := range vals {
		var rec conversation.ResumeRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode history field %s", f)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) Save(ctx context.Context, records []conversation.ResumeRecord) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key)
		for _, rec := range records {
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			p.HSet(ctx, r.key, field(rec), raw)
		}
		return nil
	})
	return errors.Wrap(err, "save history")
}
