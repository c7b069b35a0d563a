package provision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/platform"
)

// HostStore persists hosts.
type HostStore interface {
	Get(id string) (*model.Host, error)
	List() ([]*model.Host, error)
	Create(host *model.Host) error
	Put(host *model.Host) error
	Delete(id string) error
}

// FileStore keeps one YAML document per host under dir. The file name is
// the host ID, which is also its server name.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", &model.ValidationError{Field: "id", Message: fmt.Sprintf("invalid host id %q", id)}
	}
	return filepath.Join(s.dir, id+".yaml"), nil
}

func (s *FileStore) Get(id string) (*model.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id)
}

func (s *FileStore) read(id string) (*model.Host, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &model.NotFoundError{Resource: "host", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read host %s: %w", id, err)
	}
	var host model.Host
	if err := yaml.Unmarshal(data, &host); err != nil {
		return nil, fmt.Errorf("decode host %s: %w", id, err)
	}
	return &host, nil
}

// List returns all hosts ordered by server name.
func (s *FileStore) List() ([]*model.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}

	var hosts []*model.Host
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".yaml" {
			continue
		}
		host, err := s.read(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ServerName < hosts[j].ServerName })
	return hosts, nil
}

// Create stores a new host. It fails with ConflictError if the ID is taken.
func (s *FileStore) Create(host *model.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(host.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return &model.ConflictError{Resource: "host", ID: host.ID}
	}
	return s.write(path, host)
}

// Put replaces an existing host.
func (s *FileStore) Put(host *model.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(host.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &model.NotFoundError{Resource: "host", ID: host.ID}
	}
	return s.write(path, host)
}

func (s *FileStore) write(path string, host *model.Host) error {
	data, err := yaml.Marshal(host)
	if err != nil {
		return fmt.Errorf("encode host %s: %w", host.ID, err)
	}
	if err := platform.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write host %s: %w", host.ID, err)
	}
	return nil
}

// Delete removes a host. Deleting a missing host is a NotFoundError.
func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &model.NotFoundError{Resource: "host", ID: id}
		}
		return fmt.Errorf("delete host %s: %w", id, err)
	}
	return nil
}
