// Package objectstorage persists IaC state blobs. Two backends share the
// Store interface: a local-filesystem implementation for single-node
// development, and an OCI-registry implementation that pushes each state
// blob as an OCI artifact (spec §6 "external interfaces" expansion).
package objectstorage

import (
	"context"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

// Store persists and retrieves opaque state blobs keyed by deployment ID.
type Store interface {
	// Put writes data as the current state blob for deploymentID.
	Put(ctx context.Context, deploymentID string, data []byte) error
	// Get reads the current state blob for deploymentID. Returns
	// engineerr.NotFound if no blob has ever been written.
	Get(ctx context.Context, deploymentID string) ([]byte, error)
	// Delete removes the state blob, used when a deployment is destroyed.
	Delete(ctx context.Context, deploymentID string) error
}

// New builds a Store from config. backend is "local" or "oci".
func New(backend string, cfg Config) (Store, error) {
	switch backend {
	case "", "local":
		return NewLocalStore(cfg.LocalRoot), nil
	case "oci":
		return NewOCIStore(cfg)
	default:
		return nil, engineerr.New(engineerr.InvalidInput, "unknown object storage backend: "+backend)
	}
}

// Config parameterizes either backend.
type Config struct {
	LocalRoot string
	Bucket    string
	Region    string
	OCIRef    string // registry ref prefix, e.g. "registry.example.com/deploy-state"
}
