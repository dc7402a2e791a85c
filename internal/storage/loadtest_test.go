package storage

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/skritter/studysync/internal/schema"
)

// latencyStats captures schedule query timings from a load run.
type latencyStats struct {
	Min, Max, Mean time.Duration
	P50, P95, P99  time.Duration
	Queries        int
}

func computeLatencyStats(durations []time.Duration) latencyStats {
	if len(durations) == 0 {
		return latencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return latencyStats{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Mean:    sum / time.Duration(len(sorted)),
		P50:     sorted[len(sorted)*50/100],
		P95:     sorted[len(sorted)*95/100],
		P99:     sorted[len(sorted)*99/100],
		Queries: len(sorted),
	}
}

// generateItems builds count items spread over the four parts with next
// times scattered around now. Roughly a tenth are flagged.
func generateItems(count int, now int64) []schema.Item {
	rng := rand.New(rand.NewSource(42))
	parts := schema.AllParts(schema.LangChinese)
	styles := []string{"", schema.StyleSimp, schema.StyleTrad, schema.StyleBoth}

	items := make([]schema.Item, count)
	for i := range items {
		vocabID := fmt.Sprintf("zh-w%05d-0", i/len(parts))
		part := parts[i%len(parts)]
		items[i] = schema.Item{
			ID:       fmt.Sprintf("u1-%s-%s", vocabID, part),
			Part:     part,
			VocabIDs: []string{vocabID},
			Style:    styles[rng.Intn(len(styles))],
			Last:     now - int64(rng.Intn(86400*30)),
			Next:     now + int64(rng.Intn(86400*14)) - 86400*7,
			Flag:     rng.Intn(10) == 0,
		}
	}
	return items
}

func populate(t testing.TB, s *SQLite, count int, now int64) []schema.Item {
	t.Helper()
	items := generateItems(count, now)
	if err := PutAll(context.Background(), s, schema.TableItems, items); err != nil {
		t.Fatalf("PutAll() failed: %v", err)
	}
	return items
}

// TestGetSchedule_ConcurrentLoad runs schedule readers against a writer
// storing download pages and checks every read sees a consistent schedule.
func TestGetSchedule_ConcurrentLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	s := openTestStore(t)
	now := time.Now().Unix()
	items := populate(t, s, 2000, now)

	const readers = 20
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		errs      []error
	)
	record := func(d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		durations = append(durations, d)
	}

	parts := schema.AllParts(schema.LangChinese)
	styles := schema.StylesFor(schema.StyleSimp)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for ctx.Err() == nil {
				start := time.Now()
				entries, err := s.GetSchedule(ctx, parts, styles)
				if err != nil {
					if ctx.Err() == nil {
						record(0, fmt.Errorf("reader %d: %w", reader, err))
					}
					return
				}
				for j := 1; j < len(entries); j++ {
					prev, cur := entries[j-1], entries[j]
					if prev.Next > cur.Next || (prev.Next == cur.Next && prev.ID >= cur.ID) {
						record(0, fmt.Errorf("reader %d: schedule out of order at %s", reader, cur.ID))
						return
					}
				}
				record(time.Since(start), nil)
			}
		}(i)
	}

	// Rewrite pages of items the way a download does.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for page := 0; ctx.Err() == nil; page++ {
			lo := (page * 100) % len(items)
			batch := make([]schema.Item, 0, 100)
			for _, item := range items[lo:min(lo+100, len(items))] {
				item.Next += 60
				batch = append(batch, item)
			}
			if err := PutAll(ctx, s, schema.TableItems, batch); err != nil && ctx.Err() == nil {
				record(0, fmt.Errorf("writer: %w", err))
				return
			}
		}
	}()

	wg.Wait()

	for _, err := range errs {
		t.Error(err)
	}
	stats := computeLatencyStats(durations)
	if stats.Queries == 0 {
		t.Fatal("no schedule query completed")
	}
	t.Logf("schedule queries: %d, p50 %v, p95 %v, p99 %v, max %v",
		stats.Queries, stats.P50, stats.P95, stats.P99, stats.Max)

	n, err := s.Count(context.Background(), schema.TableItems)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != len(items) {
		t.Errorf("Count() = %d after rewrites, want %d", n, len(items))
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond || stats.P99 != 100*time.Millisecond {
		t.Errorf("P50/P99 = %v/%v", stats.P50, stats.P99)
	}
	if computeLatencyStats(nil).Queries != 0 {
		t.Error("empty input should give zero stats")
	}
}

func BenchmarkGetSchedule(b *testing.B) {
	s, err := Open(filepath.Join(b.TempDir(), "bench.db"), nil)
	if err != nil {
		b.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()
	populate(b, s, 5000, time.Now().Unix())

	ctx := context.Background()
	parts := schema.AllParts(schema.LangChinese)
	styles := schema.StylesFor(schema.StyleBoth)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.GetSchedule(ctx, parts, styles); err != nil {
			b.Fatalf("GetSchedule() failed: %v", err)
		}
	}
}

func BenchmarkPutItemsPage(b *testing.B) {
	s, err := Open(filepath.Join(b.TempDir(), "bench.db"), nil)
	if err != nil {
		b.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()
	items := generateItems(100, time.Now().Unix())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := PutAll(ctx, s, schema.TableItems, items); err != nil {
			b.Fatalf("PutAll() failed: %v", err)
		}
	}
}
