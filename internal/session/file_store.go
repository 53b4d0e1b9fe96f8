package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	sessionFileExt     = ".json"
	checkpointFileName = "checkpoint.json"
	fileNameSeparator  = "--"
)

// DefaultDir returns ~/.heart-beat/sessions, or ./.heart-beat/sessions when
// the home directory cannot be determined
func DefaultDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".heart-beat", "sessions")
}

// FileStore keeps one JSON file per session, named YYYYMMDD--plan--id.json
type FileStore struct {
	dir    string
	logger *log.Logger
	mu     sync.Mutex
}

var (
	_ Store        = (*FileStore)(nil)
	_ Checkpointer = (*FileStore)(nil)
)

// NewFileStore creates dir if needed and returns a store rooted there
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if logger == nil {
		panic("FileStore: logger cannot be nil")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("sessions directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the directory holding the session files
func (s *FileStore) Dir() string {
	return s.dir
}

func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			// '-' is mapped too so that the separator stays unambiguous
			b.WriteRune('_')
		}
	}
	return b.String()
}

func sessionFileName(cs CompletedSession) string {
	return cs.StartTime.Format("20060102") + fileNameSeparator +
		sanitizeFileName(cs.PlanName) + fileNameSeparator + cs.ID + sessionFileExt
}

// parseSessionID extracts the id from a session file name
func parseSessionID(fileName string) (string, bool) {
	if !strings.HasSuffix(fileName, sessionFileExt) || fileName == checkpointFileName {
		return "", false
	}
	parts := strings.Split(strings.TrimSuffix(fileName, sessionFileExt), fileNameSeparator)
	if len(parts) != 3 || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// findPath must be called with mu held
func (s *FileStore) findPath(id string) (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("read sessions directory %s: %w", s.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if fileID, ok := parseSessionID(entry.Name()); ok && fileID == id {
			return filepath.Join(s.dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

func readSessionFile(path string) (CompletedSession, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return CompletedSession{}, fmt.Errorf("read session file %s: %w", path, err)
	}
	var cs CompletedSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return CompletedSession{}, fmt.Errorf("parse session file %s: %w", path, err)
	}
	return cs, nil
}

func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	// write then rename so a reader never sees a half written file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func (s *FileStore) Save(ctx context.Context, cs CompletedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cs.ID == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.findPath(cs.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrSessionExists, cs.ID)
	} else if !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	path := filepath.Join(s.dir, sessionFileName(cs))
	if err := writeJSONFile(path, cs); err != nil {
		return fmt.Errorf("save session %s: %w", cs.ID, err)
	}
	s.logger.Printf("FileStore: saved session %s -> %s", cs.ID, path)
	return nil
}

// List skips files that cannot be parsed, logging each one
func (s *FileStore) List(ctx context.Context) ([]SummaryPreview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions directory %s: %w", s.dir, err)
	}

	previews := make([]SummaryPreview, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := parseSessionID(entry.Name()); !ok {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		cs, err := readSessionFile(path)
		if err != nil {
			s.logger.Printf("FileStore: skipping unreadable session file: %v", err)
			continue
		}
		previews = append(previews, cs.Preview())
	}

	sort.SliceStable(previews, func(i, j int) bool {
		return previews[i].StartTime.After(previews[j].StartTime)
	})
	return previews, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (CompletedSession, error) {
	if err := ctx.Err(); err != nil {
		return CompletedSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.findPath(id)
	if err != nil {
		return CompletedSession{}, err
	}
	return readSessionFile(path)
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.findPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete session file %s: %w", path, err)
	}
	s.logger.Printf("FileStore: deleted session %s", id)
	return nil
}

func (s *FileStore) Export(ctx context.Context, id string, format Format) ([]byte, error) {
	return exportFrom(ctx, s, id, format)
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) checkpointPath() string {
	return filepath.Join(s.dir, checkpointFileName)
}

func (s *FileStore) SaveCheckpoint(ctx context.Context, cs CompletedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONFile(s.checkpointPath(), cs); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) LoadCheckpoint(ctx context.Context) (CompletedSession, bool, error) {
	if err := ctx.Err(); err != nil {
		return CompletedSession{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := readSessionFile(s.checkpointPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CompletedSession{}, false, nil
		}
		return CompletedSession{}, false, err
	}
	return cs, true, nil
}

func (s *FileStore) ClearCheckpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.checkpointPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
