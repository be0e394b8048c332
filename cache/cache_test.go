package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
)

type storeFactory func(t *testing.T) Store

func stores(t *testing.T) map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
			if err != nil {
				t.Fatal(err)
			}
			return s
		},
		"leveldb": func(t *testing.T) Store {
			s, err := NewLevelDBStore(filepath.Join(t.TempDir(), "leveldb"))
			if err != nil {
				t.Fatal(err)
			}
			return s
		},
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		factories["redis"] = func(t *testing.T) Store {
			client := redis.NewClient(&redis.Options{Addr: addr})
			prefix := fmt.Sprintf("offline-worker-test:%s", t.Name())
			ctx := context.Background()
			keys, _ := client.Keys(ctx, prefix+":*").Result()
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
			return NewRedisStore(client, prefix)
		}
	}
	return factories
}

// forEachStore runs the test against every available store implementation.
func forEachStore(t *testing.T, test func(t *testing.T, s Store)) {
	for name, factory := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			test(t, s)
		})
	}
}

func TestOpenCreatesGeneration(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		g, err := s.Open(ctx, "v1")
		if err != nil {
			t.Fatal(err)
		}
		if g.Name() != "v1" {
			t.Fatalf("Name is %s", g.Name())
		}
		// opening again must not create a second generation
		if _, err := s.Open(ctx, "v1"); err != nil {
			t.Fatal(err)
		}
		names, err := s.Names(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(names) != 1 || names[0] != "v1" {
			t.Fatalf("Names are %v", names)
		}
	})
}

func TestNamesInCreationOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, name := range []string{"c", "a", "b"} {
			if _, err := s.Open(ctx, name); err != nil {
				t.Fatal(err)
			}
		}
		names, _ := s.Names(ctx)
		if fmt.Sprint(names) != "[c a b]" {
			t.Fatalf("Names are %v", names)
		}
	})
}

func TestPutAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		g, _ := s.Open(ctx, "v1")
		if _, ok, err := g.Get(ctx, "GET:/a"); ok || err != nil {
			t.Fatalf("Expected miss, got ok=%v err=%v", ok, err)
		}
		if err := g.Put(ctx, "GET:/a", []byte("first")); err != nil {
			t.Fatal(err)
		}
		if err := g.Put(ctx, "GET:/a", []byte("second")); err != nil {
			t.Fatal(err)
		}
		b, ok, err := g.Get(ctx, "GET:/a")
		if err != nil || !ok || string(b) != "second" {
			t.Fatalf("Get returned %s ok=%v err=%v", b, ok, err)
		}
	})
}

func TestPutAllAndKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		g, _ := s.Open(ctx, "v1")
		err := g.PutAll(ctx, []Entry{
			{Key: "GET:/b", Bytes: []byte("b")},
			{Key: "GET:/a", Bytes: []byte("a")},
		})
		if err != nil {
			t.Fatal(err)
		}
		keys, err := g.Keys(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if fmt.Sprint(keys) != "[GET:/a GET:/b]" {
			t.Fatalf("Keys are %v", keys)
		}
	})
}

func TestDeleteRemovesEntries(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old, _ := s.Open(ctx, "v1")
		old.Put(ctx, "GET:/a", []byte("old"))
		cur, _ := s.Open(ctx, "v2")
		cur.Put(ctx, "GET:/b", []byte("new"))

		deleted, err := s.Delete(ctx, "v1")
		if err != nil || !deleted {
			t.Fatalf("Delete returned %v, %v", deleted, err)
		}
		if deleted, _ := s.Delete(ctx, "v1"); deleted {
			t.Fatal("Deleted twice")
		}
		names, _ := s.Names(ctx)
		if fmt.Sprint(names) != "[v2]" {
			t.Fatalf("Names are %v", names)
		}
		if _, ok, _ := s.Match(ctx, "GET:/a"); ok {
			t.Fatal("Entry of deleted generation still matches")
		}
		if _, ok, _ := cur.Get(ctx, "GET:/b"); !ok {
			t.Fatal("Entry of kept generation is gone")
		}
	})
}

func TestMatchAcrossGenerations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, _ := s.Open(ctx, "v1")
		second, _ := s.Open(ctx, "v2")
		second.Put(ctx, "GET:/shared", []byte("second"))
		second.Put(ctx, "GET:/only-second", []byte("only"))
		first.Put(ctx, "GET:/shared", []byte("first"))

		if b, ok, err := s.Match(ctx, "GET:/shared"); err != nil || !ok || string(b) != "first" {
			t.Fatalf("Match returned %s ok=%v err=%v", b, ok, err)
		}
		if b, ok, _ := s.Match(ctx, "GET:/only-second"); !ok || string(b) != "only" {
			t.Fatalf("Match returned %s ok=%v", b, ok)
		}
		if _, ok, err := s.Match(ctx, "GET:/nothing"); ok || err != nil {
			t.Fatalf("Expected miss, got ok=%v err=%v", ok, err)
		}
	})
}

func TestPutToDeletedGenerationFails(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		g, _ := s.Open(ctx, "v1")
		s.Delete(ctx, "v1")
		if err := g.Put(ctx, "GET:/a", []byte("a")); !errors.Is(err, ErrGenerationDeleted) {
			t.Fatalf("Expected deleted generation error, got %v", err)
		}
		if err := g.PutAll(ctx, []Entry{{Key: "GET:/b", Bytes: []byte("b")}}); !errors.Is(err, ErrGenerationDeleted) {
			t.Fatalf("Expected deleted generation error, got %v", err)
		}
		names, _ := s.Names(ctx)
		if len(names) != 0 {
			t.Fatalf("Names are %v", names)
		}
		if _, ok, _ := s.Match(ctx, "GET:/a"); ok {
			t.Fatal("Write to deleted generation matches")
		}

		// opening again brings the generation back
		g, _ = s.Open(ctx, "v1")
		if err := g.Put(ctx, "GET:/a", []byte("a")); err != nil {
			t.Fatal(err)
		}
	})
}

func TestConcurrentPuts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		g, _ := s.Open(ctx, "v1")
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := g.Put(ctx, fmt.Sprintf("GET:/%d", i%5), []byte{byte(i)}); err != nil {
					t.Error(err)
				}
			}(i)
		}
		wg.Wait()
		keys, _ := g.Keys(ctx)
		if len(keys) != 5 {
			t.Fatalf("Keys are %v", keys)
		}
	})
}

func TestLevelDBReopenKeepsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leveldb")
	ctx := context.Background()
	s, err := NewLevelDBStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Open(ctx, "b")
	s.Open(ctx, "a")
	s.Close()

	s, err = NewLevelDBStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.Open(ctx, "c")
	names, _ := s.Names(ctx)
	if fmt.Sprint(names) != "[b a c]" {
		t.Fatalf("Names are %v", names)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(Options{Provider: "floppy"}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Expected unknown provider error, got %v", err)
	}
}

func TestNewMemory(t *testing.T) {
	s, err := New(Options{Provider: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemStore); !ok {
		t.Fatalf("Store is %T", s)
	}
}

func TestRedisSequenceOnlyGrowsOnCreate(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	s := NewRedisStore(client, "offline-worker-test:"+t.Name())
	defer s.Close()
	client.Del(ctx, s.seqKey(), s.generationsKey(), s.entriesKey("v1"))

	g, _ := s.Open(ctx, "v1")
	s.Open(ctx, "v1")
	for i := 0; i < 3; i++ {
		if err := g.Put(ctx, fmt.Sprintf("GET:/%d", i), []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	seq, err := client.Get(ctx, s.seqKey()).Int()
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("Sequence is %d", seq)
	}
}
