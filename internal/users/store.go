// Package users persists subscriber profiles: token, optional Telegram
// chat and per-user filter overrides. Two backends exist, a JSON file
// for single-node setups and Postgres when a DSN is configured.
package users

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Nike5170/Screener/internal/config"
)

// Profile is one user as the rest of the process sees it; Filters is
// always the stored overrides merged over the defaults.
type Profile struct {
	UserID  string
	Token   string
	ChatID  string
	Filters map[string]float64
}

// Store is the user persistence contract. Read methods degrade to
// empty results on backend failure; writes surface their error so
// set_config can report an unapplied patch.
type Store interface {
	ResolveToken(token string) (string, bool)
	UserConfig(userID string) map[string]float64
	PatchConfig(userID string, patch map[string]any) (map[string]float64, error)
	AllUsers() map[string]Profile
	CreateUser(userID, chatID, token string, overwrite bool) (Profile, error)
	RemoveUser(userID string) error
}

// New picks the backend: Postgres when a DSN is set, the JSON file
// otherwise.
func New(cfg config.UsersConfig) (Store, error) {
	if cfg.DSN != "" {
		return NewPostgresStore(cfg.DSN)
	}
	return NewFileStore(cfg.Path)
}

type fileRecord struct {
	Token     string             `json:"token"`
	ChatID    string             `json:"tg_chat_id,omitempty"`
	Filters   map[string]float64 `json:"filters"`
	CreatedAt float64            `json:"created_at"`
	UpdatedAt float64            `json:"updated_at"`
}

type fileData struct {
	Users map[string]*fileRecord `json:"users"`
}

// FileStore keeps all users in one JSON document, written atomically
// via a temp file and rename.
type FileStore struct {
	path string
	mu   sync.RWMutex
	data fileData
}

// NewFileStore loads path, creating an empty store file when absent.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, data: fileData{Users: map[string]*fileRecord{}}}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("users store %s: %w", path, err)
	}
	if s.data.Users == nil {
		s.data.Users = map[string]*fileRecord{}
	}
	return s, nil
}

// save writes the document under the write lock held by the caller.
func (s *FileStore) save() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) ResolveToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for uid, rec := range s.data.Users {
		if rec.Token != "" && rec.Token == token {
			return uid, true
		}
	}
	return "", false
}

func (s *FileStore) UserConfig(userID string) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.data.Users[userID]
	if rec == nil {
		return config.MergeFilters(nil)
	}
	return config.MergeFilters(rec.Filters)
}

func (s *FileStore) PatchConfig(userID string, patch map[string]any) (map[string]float64, error) {
	safe := config.ValidateFilterPatch(patch)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.data.Users[userID]
	if rec == nil {
		rec = &fileRecord{Filters: map[string]float64{}, CreatedAt: nowUnix()}
		s.data.Users[userID] = rec
	}
	if rec.Filters == nil {
		rec.Filters = map[string]float64{}
	}
	for k, v := range safe {
		rec.Filters[k] = v
	}
	rec.UpdatedAt = nowUnix()

	if err := s.save(); err != nil {
		return nil, err
	}
	return config.MergeFilters(rec.Filters), nil
}

func (s *FileStore) AllUsers() map[string]Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Profile, len(s.data.Users))
	for uid, rec := range s.data.Users {
		out[uid] = Profile{
			UserID:  uid,
			Token:   rec.Token,
			ChatID:  rec.ChatID,
			Filters: config.MergeFilters(rec.Filters),
		}
	}
	return out
}

func (s *FileStore) CreateUser(userID, chatID, token string, overwrite bool) (Profile, error) {
	if userID == "" {
		return Profile{}, fmt.Errorf("user_id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Users[userID]; exists && !overwrite {
		return Profile{}, fmt.Errorf("user_id already exists: %s", userID)
	}

	if token == "" {
		var err error
		token, err = generateToken()
		if err != nil {
			return Profile{}, err
		}
	}

	now := nowUnix()
	rec := &fileRecord{
		Token:     token,
		ChatID:    chatID,
		Filters:   config.MergeFilters(nil),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.Users[userID] = rec

	if err := s.save(); err != nil {
		return Profile{}, err
	}
	return Profile{UserID: userID, Token: token, ChatID: chatID, Filters: config.MergeFilters(rec.Filters)}, nil
}

func (s *FileStore) RemoveUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Users[userID]; !exists {
		return fmt.Errorf("user not found: %s", userID)
	}
	delete(s.data.Users, userID)
	return s.save()
}

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// generateToken returns a 32-character hex token.
func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
