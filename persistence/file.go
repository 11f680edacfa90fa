package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/oplog"
	"github.com/ar-nelson/osmosis/savepoint"
)

// File persists the replica as a single JSON document on disk:
// {uuid, ops, savePoints}. Writes are coalesced: while one write is in
// flight, further mutations only mark a pending flag, and the writer
// picks up the final state when it finishes. At most one write is
// outstanding at any time, and the file reflects every accepted call
// once the backend goes quiet.
type File struct {
	mu   sync.Mutex
	cond *sync.Cond
	path string

	uuid       ids.Uuid
	ops        []oplog.Op
	savePoints []savepoint.SavePoint

	writing  bool
	pending  bool
	writeErr error
}

type fileDoc struct {
	Uuid       ids.Uuid              `json:"uuid"`
	Ops        []oplog.Op            `json:"ops"`
	SavePoints []savepoint.SavePoint `json:"savePoints"`
}

// NewFile opens (or creates) the backend rooted at dataDir/osmosis.json.
func NewFile(dataDir string) (*File, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "persistence: creating data dir")
	}
	f := &File{path: filepath.Join(dataDir, "osmosis.json")}
	f.cond = sync.NewCond(&f.mu)
	if err := f.readFromDisk(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) readFromDisk() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.uuid = ids.NewUuid()
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "persistence: reading %s", f.path)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "persistence: decoding %s", f.path)
	}
	f.uuid = doc.Uuid
	f.ops = doc.Ops
	f.savePoints = doc.SavePoints
	return nil
}

// scheduleWrite is called with mu held after every mutation. If a write
// is already in flight it supersedes that write's snapshot by setting
// pending; otherwise it starts the writer goroutine.
func (f *File) scheduleWrite() {
	if f.writing {
		f.pending = true
		return
	}
	f.writing = true
	go f.drainWrites()
}

func (f *File) drainWrites() {
	for {
		f.mu.Lock()
		doc := fileDoc{
			Uuid:       f.uuid,
			Ops:        append([]oplog.Op{}, f.ops...),
			SavePoints: append([]savepoint.SavePoint{}, f.savePoints...),
		}
		f.mu.Unlock()

		err := writeFileAtomic(f.path, doc)

		f.mu.Lock()
		f.writeErr = err
		if f.pending {
			f.pending = false
			f.mu.Unlock()
			continue
		}
		f.writing = false
		f.cond.Broadcast()
		f.mu.Unlock()
		return
	}
}

func writeFileAtomic(path string, doc fileDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "persistence: encoding")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "persistence: writing %s", tmp)
	}
	return os.Rename(tmp, path)
}

func (f *File) Load(ctx context.Context) (Loaded, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Loaded{
		Uuid:       f.uuid,
		Ops:        append([]oplog.Op{}, f.ops...),
		SavePoints: append([]savepoint.SavePoint{}, f.savePoints...),
	}, nil
}

func (f *File) AddOp(ctx context.Context, op oplog.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	f.scheduleWrite()
	return nil
}

func (f *File) AddSavePoint(ctx context.Context, sp savepoint.SavePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savePoints = append(f.savePoints, sp)
	f.scheduleWrite()
	return nil
}

func (f *File) DeleteSavePoint(ctx context.Context, ts ids.Timestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.savePoints[:0]
	for _, sp := range f.savePoints {
		if !sp.Timestamp.Equal(ts) {
			out = append(out, sp)
		}
	}
	f.savePoints = out
	f.scheduleWrite()
	return nil
}

func (f *File) DeleteEverythingAfter(ctx context.Context, ts ids.Timestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := f.ops[:0]
	for _, op := range f.ops {
		if !ts.Less(op.Timestamp) {
			ops = append(ops, op)
		}
	}
	f.ops = ops

	sps := f.savePoints[:0]
	for _, sp := range f.savePoints {
		if !ts.Less(sp.Timestamp) {
			sps = append(sps, sp)
		}
	}
	f.savePoints = sps
	f.scheduleWrite()
	return nil
}

// Close blocks until any in-flight (and superseding pending) write has
// drained, then reports the last write error, if any.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.writing {
		f.cond.Wait()
	}
	return f.writeErr
}
