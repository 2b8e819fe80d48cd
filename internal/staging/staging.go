// Package staging stores generated artifacts as files until they are
// ingested into the pool store. Layout:
//
//	<root>/<category>/<scheme>/<cost>_<plaintext hex>.cbor
package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/hfi/flagpool/internal/storage"
)

const (
	fileExt     = ".cbor"
	rejectedExt = ".rejected"
)

// record is the on-disk form of an artifact
type record struct {
	ID         string `cbor:"1,keyasint"`
	Plaintext  []byte `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
	Scheme     string `cbor:"4,keyasint"`
	Category   string `cbor:"5,keyasint"`
	Cost       int    `cbor:"6,keyasint"`
	CreatedAt  int64  `cbor:"7,keyasint"` // unix microseconds
}

func toRecord(a *storage.Artifact) record {
	return record{
		ID:         a.ID,
		Plaintext:  a.Plaintext,
		Ciphertext: a.Ciphertext,
		Scheme:     a.Scheme,
		Category:   a.Category,
		Cost:       a.Cost,
		CreatedAt:  a.CreatedAt.UnixMicro(),
	}
}

func (r record) artifact() *storage.Artifact {
	return &storage.Artifact{
		ID:         r.ID,
		Plaintext:  r.Plaintext,
		Ciphertext: r.Ciphertext,
		Scheme:     r.Scheme,
		Category:   r.Category,
		Cost:       r.Cost,
		CreatedAt:  time.UnixMicro(r.CreatedAt).UTC(),
	}
}

// Dir is a staging directory. It implements generator.Sink.
type Dir struct {
	root string
	pool storage.PoolStore
}

// NewDir creates the staging root if needed. When pool is non-nil its
// unassigned count is added to the staged count in Backlog.
func NewDir(root string, pool storage.PoolStore) (*Dir, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Dir{root: root, pool: pool}, nil
}

// Root returns the staging root path
func (d *Dir) Root() string {
	return d.root
}

func (d *Dir) pairDir(category, scheme string) string {
	return filepath.Join(d.root, category, scheme)
}

// Put writes the artifact to its pair directory. The file appears under its
// final name only once fully written.
func (d *Dir) Put(_ context.Context, a *storage.Artifact) error {
	data, err := cbor.Marshal(toRecord(a))
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	dir := d.pairDir(a.Category, a.Scheme)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create pair dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}

	name := fmt.Sprintf("%d_%x%s", a.Cost, a.Plaintext, fileExt)
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

// Backlog counts staged files for the pair, plus the pool's unassigned
// artifacts when a pool is attached
func (d *Dir) Backlog(ctx context.Context, category, scheme string) (int, error) {
	entries, err := os.ReadDir(d.pairDir(category, scheme))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileExt) {
			n++
		}
	}

	if d.pool != nil {
		pooled, err := d.pool.CountUnassigned(ctx, scheme, category)
		if err != nil {
			return 0, err
		}
		n += pooled
	}
	return n, nil
}

// staged lists staged files in stable order
func (d *Dir) staged() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.root, "*", "*", "*"+fileExt))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// readFile decodes one staged file
func readFile(path string) (*storage.Artifact, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path comes from a glob under the staging root
	if err != nil {
		return nil, err
	}
	var r record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if r.ID == "" || len(r.Plaintext) == 0 || len(r.Ciphertext) == 0 {
		return nil, fmt.Errorf("decode %s: incomplete record", filepath.Base(path))
	}
	return r.artifact(), nil
}
