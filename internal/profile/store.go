package profile

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/lcbro/lcbro/pkg/models"
)

var ErrProfileNotFound = errors.New("profile not found")

const archiveExt = ".tar.gz"

// Store keeps browser profiles as tar.gz archives under one directory
type Store struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	profiles map[string]*models.Profile
}

// NewStore opens dir, creating it if needed, and indexes the archives already there
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	s := &Store{
		dir:      dir,
		logger:   logger,
		profiles: make(map[string]*models.Profile),
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) index() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read profile directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, archiveExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(name, archiveExt)
		s.profiles[id] = &models.Profile{
			ID:          id,
			CreatedAt:   info.ModTime(),
			UpdatedAt:   info.ModTime(),
			ArchivePath: filepath.Join(s.dir, name),
			SizeBytes:   info.Size(),
		}
	}

	s.logger.Debug("profiles indexed", zap.Int("count", len(s.profiles)))
	return nil
}

// Create registers a new empty profile
func (s *Store) Create() models.Profile {
	now := time.Now()
	p := &models.Profile{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()

	return *p
}

// Get returns the profile with id
func (s *Store) Get(id string) (models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return models.Profile{}, ErrProfileNotFound
	}
	return *p, nil
}

// List returns every profile, oldest first
func (s *Store) List() []models.Profile {
	s.mu.RLock()
	out := make([]models.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, *p)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.Profile) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Delete removes a profile and its archive
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	p, ok := s.profiles[id]
	delete(s.profiles, id)
	s.mu.Unlock()

	if !ok {
		return ErrProfileNotFound
	}
	if p.ArchivePath != "" {
		if err := os.Remove(p.ArchivePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete profile data: %w", err)
		}
	}
	return nil
}

// Save archives userDataDir as the profile's data
func (s *Store) Save(id, userDataDir string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}

	archivePath := filepath.Join(s.dir, id+archiveExt)
	tmp := archivePath + ".tmp"
	if err := compressDirectory(userDataDir, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to compress profile data: %w", err)
	}
	if err := os.Rename(tmp, archivePath); err != nil {
		return fmt.Errorf("failed to store profile data: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if p, ok := s.profiles[id]; ok {
		p.ArchivePath = archivePath
		p.SizeBytes = info.Size()
		p.UpdatedAt = time.Now()
	}
	s.mu.Unlock()

	s.logger.Info("profile saved", zap.String("profileId", id), zap.Int64("bytes", info.Size()))
	return nil
}

// Restore extracts the profile into a fresh directory and returns its path.
// A profile without saved data yields an empty directory.
func (s *Store) Restore(id string) (string, error) {
	p, err := s.Get(id)
	if err != nil {
		return "", err
	}

	target, err := os.MkdirTemp("", "lcbro-profile-"+id+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}

	if p.ArchivePath == "" {
		return target, nil
	}
	if err := extractArchive(p.ArchivePath, target); err != nil {
		os.RemoveAll(target)
		return "", fmt.Errorf("failed to extract profile data: %w", err)
	}
	return target, nil
}

// compressDirectory writes a tar.gz of source to target
func compressDirectory(source, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	tarWriter := tar.NewWriter(gzWriter)

	walkErr := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		// Chrome keeps live sockets and lock symlinks in the profile
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tarWriter, f)
		return err
	})
	if walkErr != nil {
		return walkErr
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

// extractArchive unpacks a tar.gz into target, refusing entries that escape it
func extractArchive(source, target string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	root := filepath.Clean(target) + string(os.PathSeparator)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		path := filepath.Join(target, filepath.FromSlash(header.Name))
		if path != filepath.Clean(target) && !strings.HasPrefix(path, root) {
			return fmt.Errorf("archive entry %q escapes profile directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tarReader); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}
