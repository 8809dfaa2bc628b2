package objectstorage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

// stateMediaType identifies a deployment state blob layer within the
// pushed manifest.
const stateMediaType = "application/vnd.deployctl.state.v1+json"

// OCIStore pushes each deployment's state blob as a single-layer OCI
// artifact to a remote registry, tagged "deployments-{id}-state".
type OCIStore struct {
	refPrefix string
	client    *auth.Client
	plainHTTP bool
}

// NewOCIStore builds an OCIStore targeting the registry named by
// cfg.OCIRef (e.g. "registry.example.com/deploy-state"). The auth client
// has no credential source configured, so registry requests are
// anonymous; no docker credential store or environment is consulted.
func NewOCIStore(cfg Config) (*OCIStore, error) {
	if cfg.OCIRef == "" {
		return nil, engineerr.New(engineerr.InvalidInput, "OCI object storage requires an OCIRef")
	}
	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	return &OCIStore{refPrefix: cfg.OCIRef, client: client}, nil
}

func (s *OCIStore) tag(deploymentID string) string {
	return fmt.Sprintf("deployments-%s-state", deploymentID)
}

func (s *OCIStore) repository(deploymentID string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(s.refPrefix)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "resolve OCI repository reference", err)
	}
	repo.Client = s.client
	repo.PlainHTTP = s.plainHTTP
	return repo, nil
}

// Put pushes data as a single-layer OCI artifact and tags it with the
// deployment's state tag, replacing any prior tag of the same name.
func (s *OCIStore) Put(ctx context.Context, deploymentID string, data []byte) error {
	repo, err := s.repository(deploymentID)
	if err != nil {
		return err
	}

	staging := memory.New()

	layerDesc := content.NewDescriptorFromBytes(stateMediaType, data)
	if err := staging.Push(ctx, layerDesc, bytes.NewReader(data)); err != nil {
		return engineerr.Wrap(engineerr.Internal, "stage state blob layer", err)
	}

	manifestDesc, err := oras.PackManifest(ctx, staging, oras.PackManifestVersion1_1, stateMediaType, oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{layerDesc},
	})
	if err != nil {
		return engineerr.Wrap(engineerr.Internal, "pack state manifest", err)
	}

	tag := s.tag(deploymentID)
	if err := staging.Tag(ctx, manifestDesc, tag); err != nil {
		return engineerr.Wrap(engineerr.Internal, "tag staged manifest", err)
	}

	if _, err := oras.Copy(ctx, staging, tag, repo, tag, oras.DefaultCopyOptions); err != nil {
		return engineerr.Wrap(engineerr.Internal, "push state artifact to registry", err)
	}
	return nil
}

// Get pulls the deployment's tagged artifact and returns its single layer's
// bytes. Returns engineerr.NotFound if the tag does not exist.
func (s *OCIStore) Get(ctx context.Context, deploymentID string) ([]byte, error) {
	repo, err := s.repository(deploymentID)
	if err != nil {
		return nil, err
	}

	dest := memory.New()
	tag := s.tag(deploymentID)

	manifestDesc, err := oras.Copy(ctx, repo, tag, dest, tag, oras.DefaultCopyOptions)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, engineerr.New(engineerr.NotFound, "no state artifact for deployment "+deploymentID)
		}
		return nil, engineerr.Wrap(engineerr.Internal, "pull state artifact from registry", err)
	}

	manifestBytes, err := content.FetchAll(ctx, dest, manifestDesc)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "fetch state manifest", err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "parse state manifest", err)
	}
	if len(manifest.Layers) == 0 {
		return nil, engineerr.New(engineerr.Internal, "state artifact manifest has no layers")
	}

	reader, err := dest.Fetch(ctx, manifest.Layers[0])
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Internal, "fetch state layer", err)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// Delete removes the deployment's tagged manifest. Reclaiming the
// now-unreferenced blob is left to the registry's own garbage collection.
func (s *OCIStore) Delete(ctx context.Context, deploymentID string) error {
	repo, err := s.repository(deploymentID)
	if err != nil {
		return err
	}
	tag := s.tag(deploymentID)

	desc, err := repo.Resolve(ctx, tag)
	if err != nil {
		if isNotFoundErr(err) {
			return nil
		}
		return engineerr.Wrap(engineerr.Internal, "resolve state artifact tag", err)
	}
	if err := repo.Delete(ctx, desc); err != nil && !isNotFoundErr(err) {
		return engineerr.Wrap(engineerr.Internal, "delete state artifact manifest", err)
	}
	return nil
}

func isNotFoundErr(err error) bool {
	return err != nil && (bytes.Contains([]byte(err.Error()), []byte("not found")) ||
		bytes.Contains([]byte(err.Error()), []byte("404")))
}
