// Package storage owns the per-user document directories on disk.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"ragchat/internal/rag"
)

var (
	ErrInvalidName = errors.New("invalid document name")
	ErrNotFound    = errors.New("document not found")
)

const maxSlugLen = 100

var (
	unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._@-]+`)
	slugRun       = regexp.MustCompile(`[^a-z0-9]+`)
)

// FileInfo describes one stored document.
type FileInfo struct {
	Name       string      `json:"name"`
	Type       rag.DocType `json:"type"`
	Size       int64       `json:"size"`
	ModifiedAt time.Time   `json:"modifiedAt"`
}

// DocStore keeps each user's documents under root/<user>.
type DocStore struct {
	root string
}

func NewDocStore(root string) *DocStore {
	return &DocStore{root: root}
}

func (s *DocStore) Root() string { return s.root }

// Dir is the document directory of userID. The id is reduced to a single
// safe path segment; it is not created here.
func (s *DocStore) Dir(userID string) string {
	return filepath.Join(s.root, userSegment(userID))
}

// Save writes r to the user's directory under the base name of name,
// replacing any file of that name.
func (s *DocStore) Save(userID, name string, r io.Reader) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}
	dir := s.Dir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create user directory failed: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file failed: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write document failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close document failed: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, clean)); err != nil {
		return "", fmt.Errorf("store document failed: %w", err)
	}
	return clean, nil
}

func (s *DocStore) Delete(userID, name string) error {
	clean, err := CleanName(name)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.Dir(userID), clean))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete document failed: %w", err)
	}
	return nil
}

// List returns the user's regular, non-hidden files sorted by name. A missing
// directory lists as empty.
func (s *DocStore) List(userID string) ([]FileInfo, error) {
	entries, err := os.ReadDir(s.Dir(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:       e.Name(),
			Type:       rag.DocType(strings.ToLower(strings.TrimPrefix(filepath.Ext(e.Name()), "."))),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WriteCrawl stores crawled text as <slug>.txt with the source URL prefixed
// to the body. Crawling the same URL again overwrites the file.
func (s *DocStore) WriteCrawl(userID, rawURL, text string) (string, error) {
	name := Slug(rawURL) + ".txt"
	body := "Source: " + rawURL + "\n\n" + text
	return s.Save(userID, name, strings.NewReader(body))
}

// CleanName validates an uploaded file name and returns its base name.
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") ||
		strings.ContainsRune(name, 0) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Base(name), nil
}

// Slug turns a URL into a lowercase file-name stem: scheme dropped, runs of
// other characters collapsed to a single dash.
func Slug(rawURL string) string {
	s := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		s = u.Host + u.Path
		if u.RawQuery != "" {
			s += "-" + u.RawQuery
		}
	}
	s = strings.Trim(slugRun.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		s = "page"
	}
	return s
}

func userSegment(userID string) string {
	seg := unsafeSegment.ReplaceAllString(rag.NormalizeUser(userID), "_")
	seg = strings.Trim(seg, ".")
	if seg == "" {
		return rag.AnonymousUser
	}
	return seg
}
