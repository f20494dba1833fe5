// Package rawstore persists the raw fetched payload of each collection
// run before normalization, so normalization can be replayed without
// calling the upstream API again. The returned ref is recorded in every
// row's source_file column.
package rawstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/santoshpalla27/costfeed/internal/provider"
)

type Store interface {
	Put(ctx context.Context, p provider.Provider, day civil.Date, payload []byte) (ref string, err error)
}

// FS stores payloads under <Root>/<provider>/<day>/<uuid>.json.
type FS struct {
	Root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating raw store root: %w", err)
	}
	return &FS{Root: root}, nil
}

func (s *FS) Put(_ context.Context, p provider.Provider, day civil.Date, payload []byte) (string, error) {
	dir := filepath.Join(s.Root, p.String(), day.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating raw payload dir: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("writing raw payload: %w", err)
	}
	return path, nil
}

// Discard drops payloads and returns the upstream source name as the
// ref. Used in tests and when provenance storage is disabled.
type Discard struct {
	Source string
}

func (d Discard) Put(context.Context, provider.Provider, civil.Date, []byte) (string, error) {
	return d.Source, nil
}
