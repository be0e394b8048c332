package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>              -> gob(generationMeta)
//	e:<generation>\x00<key>     -> stored bytes
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
	entrySeparator   = "\x00"
)

type generationMeta struct {
	Seq       uint64
	CreatedAt int64
}

// LevelDBStore keeps generations in a LevelDB directory on disk.
type LevelDBStore struct {
	db *leveldb.DB

	// guards seq and generation creation
	mu  sync.Mutex
	seq uint64
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &LevelDBStore{db: db}
	metas, err := s.generations()
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, m := range metas {
		if m.meta.Seq > s.seq {
			s.seq = m.meta.Seq
		}
	}
	return s, nil
}

type namedMeta struct {
	name string
	meta generationMeta
}

// generations returns all generations sorted by creation order.
func (s *LevelDBStore) generations() ([]namedMeta, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()

	out := make([]namedMeta, 0)
	for it.Next() {
		var meta generationMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		out = append(out, namedMeta{
			name: strings.TrimPrefix(string(it.Key()), generationPrefix),
			meta: meta,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].meta.Seq < out[j].meta.Seq
	})
	return out, nil
}

// ensure adds the generation record to batch if it does not exist.
// It must be called with s.mu held.
func (s *LevelDBStore) ensure(name string, batch *leveldb.Batch) error {
	has, err := s.db.Has([]byte(generationPrefix+name), nil)
	if err != nil || has {
		return err
	}
	s.seq++
	b, err := encodeGob(generationMeta{Seq: s.seq, CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	batch.Put([]byte(generationPrefix+name), b)
	return nil
}

func (s *LevelDBStore) Open(ctx context.Context, name string) (Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	if err := s.ensure(name, batch); err != nil {
		return nil, err
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return nil, err
		}
	}
	return levelHandle{store: s, name: name}, nil
}

func (s *LevelDBStore) Names(ctx context.Context) ([]string, error) {
	metas, err := s.generations()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		names = append(names, m.name)
	}
	return names, nil
}

func (s *LevelDBStore) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	has, err := s.db.Has([]byte(generationPrefix+name), nil)
	if err != nil || !has {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(generationPrefix + name))
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	return true, s.db.Write(batch, nil)
}

func (s *LevelDBStore) Match(ctx context.Context, key string) ([]byte, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		b, ok, err := levelHandle{store: s, name: name}.Get(ctx, key)
		if err != nil || ok {
			return b, ok, err
		}
	}
	return nil, false, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + entrySeparator)
}

type levelHandle struct {
	store *LevelDBStore
	name  string
}

func (h levelHandle) Name() string {
	return h.name
}

func (h levelHandle) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := h.store.db.Get(append(entryKeyPrefix(h.name), key...), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (h levelHandle) Put(ctx context.Context, key string, bytes []byte) error {
	return h.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

func (h levelHandle) PutAll(ctx context.Context, entries []Entry) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	has, err := h.store.db.Has([]byte(generationPrefix+h.name), nil)
	if err != nil {
		return err
	}
	if !has {
		return ErrGenerationDeleted
	}
	batch := new(leveldb.Batch)
	for _, e := range entries {
		batch.Put(append(entryKeyPrefix(h.name), e.Key...), e.Bytes)
	}
	return h.store.db.Write(batch, nil)
}

func (h levelHandle) Keys(ctx context.Context) ([]string, error) {
	prefix := entryKeyPrefix(h.name)
	it := h.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return keys, it.Error()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
