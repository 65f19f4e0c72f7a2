package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"invoice-approval/internal/lock"
	"invoice-approval/internal/model"
	"invoice-approval/pkg/clock"
)

// FileStore keeps one JSON metadata file and one blob per invoice:
//
//	<dir>/records/<id>.json
//	<dir>/blobs/<id>
//
// A record file exists only once its blob is durable, so a record is
// never visible without its content.
type FileStore struct {
	recordsDir string
	blobsDir   string
	locks      *lock.Local
	clock      clock.Clock
}

func NewFileStore(dir string, clk clock.Clock) (*FileStore, error) {
	if clk == nil {
		clk = clock.Real()
	}
	s := &FileStore{
		recordsDir: filepath.Join(dir, "records"),
		blobsDir:   filepath.Join(dir, "blobs"),
		locks:      lock.NewLocal(),
		clock:      clk,
	}
	for _, d := range []string{s.recordsDir, s.blobsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, storageErr("init", err)
		}
	}
	return s, nil
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.recordsDir, id+".json")
}

func (s *FileStore) blobPath(id string) string {
	return filepath.Join(s.blobsDir, id)
}

func (s *FileStore) Put(ctx context.Context, content []byte, filename, submitter string) (string, error) {
	id := newID()
	now := s.clock.Now().UTC()
	inv := model.Invoice{
		ID:        id,
		Filename:  filename,
		Submitter: submitter,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := writeFileAtomic(s.blobPath(id), content, 0o600); err != nil {
		return "", storageErr("put blob", err)
	}
	if err := s.writeRecord(&inv); err != nil {
		_ = os.Remove(s.blobPath(id))
		return "", err
	}
	return id, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*model.Invoice, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	inv, err := s.readRecord(id)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		return nil, storageErr("get blob", err)
	}
	inv.Content = content
	return inv, nil
}

func (s *FileStore) SetStatus(ctx context.Context, id string, u model.StatusUpdate) error {
	if err := checkUpdate(u); err != nil {
		return err
	}
	if !validID(id) {
		return ErrNotFound
	}

	release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	inv, err := s.readRecord(id)
	if err != nil {
		return err
	}
	applyUpdate(inv, u, s.clock.Now().UTC())
	return s.writeRecord(inv)
}

func (s *FileStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	ids, err := s.ids()
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		removed, err := s.purgeOne(ctx, id, olderThan)
		if err != nil {
			return purged, err
		}
		if removed {
			purged++
		}
	}
	return purged, nil
}

func (s *FileStore) purgeOne(ctx context.Context, id string, olderThan time.Time) (bool, error) {
	release, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()

	inv, err := s.readRecord(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !purgeable(inv, olderThan) {
		return false, nil
	}

	// record first: a leftover blob is garbage, a leftover record is not
	if err := os.Remove(s.recordPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, storageErr("purge record", err)
	}
	if err := os.Remove(s.blobPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, storageErr("purge blob", err)
	}
	return true, nil
}

func (s *FileStore) List(ctx context.Context, f model.ListFilter) ([]model.Invoice, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}

	out := make([]model.Invoice, 0, len(ids))
	for _, id := range ids {
		inv, err := s.readRecord(id)
		if errors.Is(err, ErrNotFound) {
			continue // purged while listing
		}
		if err != nil {
			return nil, err
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		out = append(out, *inv)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *FileStore) ids() ([]string, error) {
	entries, err := os.ReadDir(s.recordsDir)
	if err != nil {
		return nil, storageErr("list", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if validID(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *FileStore) readRecord(id string) (*model.Invoice, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("read record", err)
	}
	var inv model.Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, storageErr("decode record", fmt.Errorf("%s: %w", id, err))
	}
	return &inv, nil
}

func (s *FileStore) writeRecord(inv *model.Invoice) error {
	data, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return storageErr("encode record", err)
	}
	if err := writeFileAtomic(s.recordPath(inv.ID), data, 0o644); err != nil {
		return storageErr("write record", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory,
// fsyncs it, renames it over path and fsyncs the directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
