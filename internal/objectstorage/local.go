package objectstorage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

// LocalStore stores each deployment's state blob as a file under root,
// using the same atomic stage-and-rename pattern as internal/workingtree
// so a crash mid-write never leaves a corrupt or partial blob in place.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(deploymentID string) string {
	return filepath.Join(s.root, "state", deploymentID+".tfstate")
}

// Put implements Store.
func (s *LocalStore) Put(ctx context.Context, deploymentID string, data []byte) error {
	path := s.path(deploymentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return engineerr.Wrap(engineerr.Internal, "create state directory", err)
	}

	staging := path + ".tmp"
	if err := os.WriteFile(staging, data, 0o644); err != nil {
		return engineerr.Wrap(engineerr.Internal, "stage state blob", err)
	}
	if err := os.Rename(staging, path); err != nil {
		_ = os.Remove(staging)
		return engineerr.Wrap(engineerr.Internal, "swap staged state blob into place", err)
	}
	return nil
}

// Get implements Store.
func (s *LocalStore) Get(ctx context.Context, deploymentID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(deploymentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engineerr.New(engineerr.NotFound, "no state blob for deployment "+deploymentID)
		}
		return nil, engineerr.Wrap(engineerr.Internal, "read state blob", err)
	}
	return data, nil
}

// Delete implements Store.
func (s *LocalStore) Delete(ctx context.Context, deploymentID string) error {
	if err := os.Remove(s.path(deploymentID)); err != nil && !os.IsNotExist(err) {
		return engineerr.Wrap(engineerr.Internal, "delete state blob", err)
	}
	return nil
}
