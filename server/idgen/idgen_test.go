package idgen

import (
	"regexp"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	id := New()

	if len(id) != 18 {
		t.Errorf("Expected ID length to be 18, got %d (%s)", len(id), id)
	}
	if !regexp.MustCompile(`^[0-9A-V]+$`).MatchString(id) {
		t.Errorf("ID format does not match expected pattern: %s", id)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.UnixMilli(1760000000123)
	got, ok := Time(newAt(now))
	if !ok {
		t.Fatal("Time() could not decode a generated id")
	}
	if !got.Equal(now) {
		t.Errorf("Time() = %v, want %v", got, now)
	}

	if _, ok := Time("not an id"); ok {
		t.Error("Time() accepted garbage")
	}
}

func TestIDsSortByTime(t *testing.T) {
	tests := []struct {
		name           string
		earlier, later time.Time
	}{
		{"adjacent milliseconds", time.UnixMilli(1760000000000), time.UnixMilli(1760000000001)},
		{"across the 40-bit boundary", time.UnixMilli(1<<40 - 1), time.UnixMilli(1 << 40)},
		{"years apart", time.Date(2004, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			earlier, later := newAt(tt.earlier), newAt(tt.later)
			if earlier >= later {
				t.Errorf("expected %s < %s", earlier, later)
			}
			if got, _ := Time(later); !got.Equal(tt.later) {
				t.Errorf("Time() = %v, want %v", got, tt.later)
			}
		})
	}
}

func TestConcurrentGeneration(t *testing.T) {
	count := 1000
	ids := make([]string, count)
	var wg sync.WaitGroup
	wg.Add(count)

	for i := 0; i < count; i++ {
		go func(index int) {
			defer wg.Done()
			ids[index] = New()
		}(i)
	}
	wg.Wait()

	unique := make(map[string]struct{}, count)
	for _, id := range ids {
		if _, exists := unique[id]; exists {
			t.Errorf("Duplicate ID found in concurrent generation: %s", id)
		}
		unique[id] = struct{}{}
	}
}
