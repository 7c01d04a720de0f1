// Package settings persists per-chat preferences in SQLite.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Capability names a pluggable backend kind a chat can choose.
type Capability string

const (
	CapabilityChat  Capability = "chat"
	CapabilityASR   Capability = "asr"
	CapabilityImage Capability = "image"
)

var (
	ChatBackends  = []string{"bing", "chatgpt", "chatgpt4"}
	ASRBackends   = []string{"whisper", "assemblyai"}
	ImageBackends = []string{"bing", "dall-e"}
	Styles        = []string{"creative", "balanced", "precise"}
)

const (
	DefaultVoice        = "en-US-AnaNeural"
	DefaultStyle        = "balanced"
	DefaultChatBackend  = "bing"
	DefaultASRBackend   = "whisper"
	DefaultImageBackend = "bing"
)

var ErrUnknownChat = errors.New("unknown chat")

// TTS is the stored text-to-speech flag. Zero means the row predates the
// column and is treated as off.
type TTS int

const (
	TTSUnset TTS = 0
	TTSOn    TTS = 1
	TTSOff   TTS = -1
)

func (t TTS) Enabled() bool { return t == TTSOn }

// ChatSettings is one users row.
type ChatSettings struct {
	ChatID       int64
	Voice        string
	TTS          TTS
	Style        string
	ChatBackend  string
	ASRBackend   string
	ImageBackend string
}

// Backend returns the backend chosen for a capability.
func (s ChatSettings) Backend(c Capability) string {
	switch c {
	case CapabilityChat:
		return s.ChatBackend
	case CapabilityASR:
		return s.ASRBackend
	case CapabilityImage:
		return s.ImageBackend
	default:
		return ""
	}
}

// Defaults is what a fresh row looks like.
func Defaults(chatID int64) ChatSettings {
	return ChatSettings{
		ChatID:       chatID,
		Voice:        DefaultVoice,
		TTS:          TTSOff,
		Style:        DefaultStyle,
		ChatBackend:  DefaultChatBackend,
		ASRBackend:   DefaultASRBackend,
		ImageBackend: DefaultImageBackend,
	}
}

type Store struct {
	db *sql.DB
}

func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("settings store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("settings store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("settings store: db is nil")
	}
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS users (
		cid INTEGER PRIMARY KEY,
		voice TEXT DEFAULT 'en-US-AnaNeural',
		tts INTEGER DEFAULT -1,
		style TEXT DEFAULT 'balanced'
	);`); err != nil {
		return errors.Wrap(err, "settings store: migrate")
	}

	cols, err := s.tableColumns("users")
	if err != nil {
		return errors.Wrap(err, "settings store: inspect users")
	}
	// Columns added after the first release.
	added := []struct{ name, ddl string }{
		{"chat_backend", `ALTER TABLE users ADD COLUMN chat_backend TEXT DEFAULT 'bing'`},
		{"asr_backend", `ALTER TABLE users ADD COLUMN asr_backend TEXT DEFAULT 'whisper'`},
		{"image_backend", `ALTER TABLE users ADD COLUMN image_backend TEXT DEFAULT 'bing'`},
	}
	for _, c := range added {
		if cols[c.name] {
			continue
		}
		if _, err := s.db.Exec(c.ddl); err != nil {
			return errors.Wrapf(err, "settings store: add column %s", c.name)
		}
	}
	return nil
}

func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *Store) Exists(ctx context.Context, chatID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE cid = ?)`, chatID).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "settings store: exists")
	}
	return ok, nil
}

// Add inserts a row with defaults. Adding an existing chat is a no-op.
func (s *Store) Add(ctx context.Context, chatID int64) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO users (cid) VALUES (?)`, chatID); err != nil {
		return errors.Wrap(err, "settings store: add")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, chatID int64) (ChatSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cid, voice, tts, style, chat_backend, asr_backend, image_backend
		FROM users WHERE cid = ?`, chatID)
	cs, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSettings{}, errors.Wrapf(ErrUnknownChat, "chat %d", chatID)
	}
	if err != nil {
		return ChatSettings{}, errors.Wrap(err, "settings store: get")
	}
	return cs, nil
}

// List returns every row ordered by chat id.
func (s *Store) List(ctx context.Context) ([]ChatSettings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cid, voice, tts, style, chat_backend, asr_backend, image_backend
		FROM users ORDER BY cid`)
	if err != nil {
		return nil, errors.Wrap(err, "settings store: list")
	}
	defer rows.Close()
	var out []ChatSettings
	for rows.Next() {
		cs, err := scanSettings(rows)
		if err != nil {
			return nil, errors.Wrap(err, "settings store: list")
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSettings(r scanner) (ChatSettings, error) {
	var (
		cs               ChatSettings
		voice, style     sql.NullString
		chat, asr, image sql.NullString
		tts              sql.NullInt64
	)
	if err := r.Scan(&cs.ChatID, &voice, &tts, &style, &chat, &asr, &image); err != nil {
		return ChatSettings{}, err
	}
	d := Defaults(cs.ChatID)
	cs.Voice = orDefault(voice, d.Voice)
	cs.Style = orDefault(style, d.Style)
	cs.ChatBackend = orDefault(chat, d.ChatBackend)
	cs.ASRBackend = orDefault(asr, d.ASRBackend)
	cs.ImageBackend = orDefault(image, d.ImageBackend)
	if tts.Valid {
		cs.TTS = TTS(tts.Int64)
	}
	return cs, nil
}

func orDefault(v sql.NullString, def string) string {
	if !v.Valid || v.String == "" {
		return def
	}
	return v.String
}

func (s *Store) SetVoice(ctx context.Context, chatID int64, voice string) error {
	return s.update(ctx, chatID, "voice", `UPDATE users SET voice = ? WHERE cid = ?`, voice)
}

// ToggleTTS flips the flag. An unset flag becomes on.
func (s *Store) ToggleTTS(ctx context.Context, chatID int64) (TTS, error) {
	if err := s.update(ctx, chatID, "tts", `UPDATE users SET tts = CASE WHEN tts = 1 THEN -1 ELSE 1 END WHERE cid = ?`); err != nil {
		return TTSUnset, err
	}
	cs, err := s.Get(ctx, chatID)
	if err != nil {
		return TTSUnset, err
	}
	return cs.TTS, nil
}

func (s *Store) SetStyle(ctx context.Context, chatID int64, style string) error {
	if !slices.Contains(Styles, style) {
		return errors.Errorf("unknown style %q", style)
	}
	return s.update(ctx, chatID, "style", `UPDATE users SET style = ? WHERE cid = ?`, style)
}

// SetBackend stores the backend for a capability after checking it is one
// this bot knows about.
func (s *Store) SetBackend(ctx context.Context, chatID int64, c Capability, name string) error {
	var (
		allowed []string
		column  string
	)
	switch c {
	case CapabilityChat:
		allowed, column = ChatBackends, "chat_backend"
	case CapabilityASR:
		allowed, column = ASRBackends, "asr_backend"
	case CapabilityImage:
		allowed, column = ImageBackends, "image_backend"
	default:
		return errors.Errorf("unknown capability %q", c)
	}
	if !slices.Contains(allowed, name) {
		return errors.Errorf("unknown %s backend %q", c, name)
	}
	return s.update(ctx, chatID, column, fmt.Sprintf(`UPDATE users SET %s = ? WHERE cid = ?`, column), name)
}

// BackendsFor lists the choices offered for a capability.
func BackendsFor(c Capability) []string {
	switch c {
	case CapabilityChat:
		return ChatBackends
	case CapabilityASR:
		return ASRBackends
	case CapabilityImage:
		return ImageBackends
	default:
		return nil
	}
}

func (s *Store) update(ctx context.Context, chatID int64, what, query string, args ...any) error {
	args = append(args, chatID)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "settings store: set %s", what)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.Wrapf(ErrUnknownChat, "chat %d", chatID)
	}
	return nil
}
