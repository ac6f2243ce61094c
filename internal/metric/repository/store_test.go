package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"iot-platform/monitoring-service/internal/db"
	"iot-platform/monitoring-service/internal/db/migrate"
	"iot-platform/monitoring-service/internal/metric/domain"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_TiesReturnLatestInsertFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m := metricAt(1, 1, 0, float64(i))
		if err := s.Insert(ctx, m); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	got, err := s.HistoryByDevice(ctx, 1, 2)
	if err != nil {
		t.Fatalf("HistoryByDevice: %v", err)
	}
	if len(got) != 2 || got[0].Data["value"] != 2.0 || got[1].Data["value"] != 1.0 {
		t.Fatalf("got %+v, want values 2 then 1", got)
	}
}

func TestMemoryStore_InsertCopiesData(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	m := metricAt(1, 1, 0, 1)
	if err := s.Insert(ctx, m); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	m.Data["value"] = 99.0

	got, _ := s.HistoryByDevice(ctx, 1, 1)
	if got[0].Data["value"] != 1.0 {
		t.Errorf("stored data changed through caller map: %v", got[0].Data["value"])
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Insert(ctx, metricAt(1, 1, 0, 1)); err == nil {
		t.Error("Insert with canceled context should fail")
	}
	if _, err := s.ByOwner(ctx, 1, 10); err == nil {
		t.Error("ByOwner with canceled context should fail")
	}
}

func TestMemoryStore_ConcurrentReadersAndAppender(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = s.Insert(ctx, metricAt(1, 1, time.Duration(i)*time.Millisecond, float64(i)))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				got, err := s.HistoryByDevice(ctx, 1, 10)
				if err != nil {
					t.Errorf("HistoryByDevice: %v", err)
					return
				}
				for j := 1; j < len(got); j++ {
					if got[j].Timestamp.After(got[j-1].Timestamp) {
						t.Errorf("unordered read under concurrent append")
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	got, _ := s.HistoryByDevice(ctx, 1, 1000)
	if len(got) != 500 {
		t.Errorf("len = %d, want 500", len(got))
	}
}

func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	runStoreContract(t, func(t *testing.T) Store {
		conn, err := db.Open(context.Background(), dsn)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if _, err := conn.Exec("TRUNCATE metrics, snapshots RESTART IDENTITY"); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		s := NewPostgresStore(conn)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMongoStore_Contract(t *testing.T) {
	uri := os.Getenv("MONGO_URL")
	if uri == "" {
		t.Skip("MONGO_URL not set, skipping integration test")
	}
	n := 0
	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		client, err := db.OpenMongo(ctx, uri)
		if err != nil {
			t.Fatalf("OpenMongo: %v", err)
		}
		n++
		name := fmt.Sprintf("monitoring_test_%d_%d", time.Now().UnixNano(), n)
		s, err := NewMongoStore(ctx, client, name)
		if err != nil {
			t.Fatalf("NewMongoStore: %v", err)
		}
		t.Cleanup(func() {
			_ = client.Database(name).Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}

func TestCloneData(t *testing.T) {
	if got := domain.CloneData(nil); got == nil || len(got) != 0 {
		t.Errorf("CloneData(nil) = %v, want empty map", got)
	}
	src := map[string]any{"a": 1}
	dst := domain.CloneData(src)
	dst["a"] = 2
	if src["a"] != 1 {
		t.Error("CloneData must not alias the source map")
	}
}
