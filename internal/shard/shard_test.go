package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// TestNewShard tests shard creation
func TestNewShard(t *testing.T) {
	for _, id := range []int{0, 1, 999999} {
		t.Run(fmt.Sprintf("shard %d", id), func(t *testing.T) {
			shard := NewShard(id)
			if shard.ID != id {
				t.Errorf("Expected shard ID %d, got %d", id, shard.ID)
			}
			if shard.Store == nil {
				t.Error("Expected store to be initialized")
			}
			if shard.GetState() != ShardStateActive {
				t.Errorf("Expected active state, got %s", shard.GetState())
			}
		})
	}
}

// TestShardRecordOperations tests put/get/delete of records
func TestShardRecordOperations(t *testing.T) {
	shard := NewShard(0)

	if err := shard.Put("ds", "r1", Record{"region": "eu", "status": 200}); err != nil {
		t.Fatalf("Failed to put record: %v", err)
	}

	rec, err := shard.Get("ds", "r1")
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if rec["region"] != "eu" {
		t.Errorf("Expected region eu, got %v", rec["region"])
	}
	if rec["status"] != json.Number("200") {
		t.Errorf("Expected status as json.Number 200, got %#v", rec["status"])
	}

	if _, err := shard.Get("other", "r1"); err == nil {
		t.Error("Records must be scoped to their data source")
	}

	if err := shard.Delete("ds", "r1"); err != nil {
		t.Fatalf("Failed to delete record: %v", err)
	}
	if _, err := shard.Get("ds", "r1"); err == nil {
		t.Error("Expected error after delete")
	}

	for _, bad := range [][2]string{{"", "k"}, {"ds", ""}, {"a/b", "k"}} {
		if err := shard.Put(bad[0], bad[1], Record{}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey for %q, got %v", bad, err)
		}
	}
}

// TestShardScan tests data source scans
func TestShardScan(t *testing.T) {
	shard := NewShard(0)
	_ = shard.Put("ds", "b", Record{"n": 2})
	_ = shard.Put("ds", "a", Record{"n": 1})
	_ = shard.Put("dsx", "z", Record{"n": 9})
	_ = shard.Store.Put("ds/broken", []byte("not json"))

	var keys []string
	err := shard.Scan(context.Background(), "ds", func(key string, rec Record) error {
		keys = append(keys, key)
		return nil
	})
	if !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("Expected corrupt record to be reported, got %v", err)
	}
	if fmt.Sprint(keys) != "[a b]" {
		t.Errorf("Expected [a b], got %v", keys)
	}

	stats := shard.GetStats()
	if stats.Ops.Scans != 1 || stats.Ops.Scanned != 3 {
		t.Errorf("Unexpected scan stats %+v", stats.Ops)
	}

	t.Run("cancelled context stops the scan", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := shard.Scan(ctx, "ds", func(string, Record) error {
			t.Error("callback must not run")
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}

// TestShardOwnership tests key routing
func TestShardOwnership(t *testing.T) {
	const numShards = 4
	shards := make([]*Shard, numShards)
	for i := range shards {
		shards[i] = NewShard(i)
	}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("record-%d", i)
		owners := 0
		for _, s := range shards {
			if s.OwnsKey(key, numShards) {
				owners++
			}
		}
		if owners != 1 {
			t.Errorf("Key %s owned by %d shards", key, owners)
		}
		if ForKey(key, numShards) != ForKey(key, numShards) {
			t.Errorf("Routing of %s is not stable", key)
		}
	}

	if shards[0].OwnsKey("k", 0) {
		t.Error("No shard owns keys when there are no shards")
	}
}

// TestShardInfo tests metadata reporting
func TestShardInfo(t *testing.T) {
	shard := NewShard(3)
	_ = shard.Put("ds", "a", Record{"x": 1})
	shard.SetState(ShardStateDraining)

	info := shard.Info()
	if info.ID != 3 || info.State != ShardStateDraining || info.KeyCount != 1 || info.ByteSize == 0 {
		t.Errorf("Unexpected info %+v", info)
	}
	if info.Ops.Puts != 1 {
		t.Errorf("Expected 1 put in info, got %d", info.Ops.Puts)
	}
}

// TestShardConcurrency tests concurrent writes and scans
func TestShardConcurrency(t *testing.T) {
	shard := NewShard(0)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = shard.Put("ds", fmt.Sprintf("%d-%d", i, j), Record{"i": i})
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = shard.Scan(context.Background(), "ds", func(string, Record) error { return nil })
		}()
	}
	wg.Wait()

	if got := shard.GetStats().Ops.Puts; got != 200 {
		t.Errorf("Expected 200 puts, got %d", got)
	}
}
