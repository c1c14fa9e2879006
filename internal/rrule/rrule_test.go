package rrule

import (
	"testing"
	"time"
)

func TestNextAfter(t *testing.T) {
	dtstart := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	t.Run("daily rule advances one day", func(t *testing.T) {
		after := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
		next, err := NextAfter("FREQ=DAILY;BYHOUR=9;BYMINUTE=0;BYSECOND=0", dtstart, after)
		if err != nil {
			t.Fatalf("NextAfter() error = %v", err)
		}
		if next == nil {
			t.Fatal("NextAfter() = nil, want a time")
		}
		want := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("NextAfter() = %v, want %v", next, want)
		}
	})

	t.Run("strictly after, not inclusive", func(t *testing.T) {
		after := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
		next, err := NextAfter("FREQ=DAILY;BYHOUR=9;BYMINUTE=0;BYSECOND=0", dtstart, after)
		if err != nil {
			t.Fatalf("NextAfter() error = %v", err)
		}
		want := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
		if next == nil || !next.Equal(want) {
			t.Errorf("NextAfter() = %v, want %v", next, want)
		}
	})

	t.Run("exhausted rule returns nil", func(t *testing.T) {
		after := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		next, err := NextAfter("FREQ=DAILY;COUNT=3", dtstart, after)
		if err != nil {
			t.Fatalf("NextAfter() error = %v", err)
		}
		if next != nil {
			t.Errorf("NextAfter() = %v, want nil for exhausted rule", next)
		}
	})

	t.Run("accepts RRULE prefix", func(t *testing.T) {
		next, err := NextAfter("RRULE:FREQ=WEEKLY;BYDAY=MO", dtstart, dtstart)
		if err != nil {
			t.Fatalf("NextAfter() error = %v", err)
		}
		if next == nil {
			t.Fatal("NextAfter() = nil, want a time")
		}
		if next.Weekday() != time.Monday {
			t.Errorf("NextAfter() fell on %v, want Monday", next.Weekday())
		}
	})

	t.Run("garbage rule fails", func(t *testing.T) {
		if _, err := NextAfter("FREQ=SOMETIMES", dtstart, dtstart); err == nil {
			t.Error("NextAfter() error = nil, want parse error")
		}
	})
}

func TestPreview(t *testing.T) {
	dtstart := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	results, err := Preview("FREQ=DAILY;BYHOUR=9;BYMINUTE=0;BYSECOND=0", dtstart, dtstart, 3)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Preview() returned %d results, want 3", len(results))
	}
	for i := 1; i < len(results); i++ {
		if got := results[i].Sub(results[i-1]); got != 24*time.Hour {
			t.Errorf("gap between fires = %v, want 24h", got)
		}
	}
}

func TestIsRecurring(t *testing.T) {
	tests := []struct {
		name string
		rule string
		want bool
	}{
		{"daily rule", "FREQ=DAILY", true},
		{"with prefix", "RRULE:FREQ=WEEKLY;BYDAY=MO", true},
		{"lowercase", "freq=daily", true},
		{"empty", "", false},
		{"time string", "15:30", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecurring(tt.rule); got != tt.want {
				t.Errorf("IsRecurring(%q) = %v, want %v", tt.rule, got, tt.want)
			}
		})
	}
}
