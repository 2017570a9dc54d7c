package ledger

import (
	"testing"
	"time"
)

func TestParseMicros(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"", 0, false},
		{"1", 1_000_000, false},
		{"0.0025", 2500, false},
		{".5", 500_000, false},
		{"12.000001", 12_000_001, false},
		{"0.0000001", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMicros(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMicros(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMicros(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRatesCost_HalfUp(t *testing.T) {
	r := Rates{InputPerK: 1, OutputPerK: 3}
	tests := []struct {
		in, out int
		want    int64
	}{
		{0, 0, 0},
		{499, 0, 0},  // 0.499
		{500, 0, 1},  // 0.5 rounds up
		{1500, 0, 2}, // 1.5
		{0, 167, 1},  // 0.501
		{1000, 1000, 4},
		{-5, 0, 0},
	}
	for _, tt := range tests {
		if got := r.Cost(tt.in, tt.out); got != tt.want {
			t.Errorf("Cost(%d, %d) = %d, want %d", tt.in, tt.out, got, tt.want)
		}
	}
}

func TestRatesCost_Reproducible(t *testing.T) {
	r, err := ParseRates("0.00015", "0.0006")
	if err != nil {
		t.Fatal(err)
	}
	var sum int64
	for i := 0; i < 1000; i++ {
		sum += r.Cost(1234, 567)
	}
	// 1234*150/1000 + 567*600/1000 = 185.1 + 340.2 = 525.3 -> 525
	if sum != 525_000 {
		t.Errorf("sum = %d, want 525000", sum)
	}
}

func TestFormatMicros(t *testing.T) {
	tests := map[int64]string{
		0:         "0.000000",
		6500:      "0.006500",
		1_000_001: "1.000001",
		-250:      "-0.000250",
	}
	for in, want := range tests {
		if got := FormatMicros(in); got != want {
			t.Errorf("FormatMicros(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestCycleStart(t *testing.T) {
	monthly, err := NewCycle("")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := monthly.Start(tt.now); !got.Equal(tt.want) {
			t.Errorf("Start(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
	if got, want := monthly.Next(tests[0].now), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}

	yearly, err := NewCycle("0 0 1 7 *")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := yearly.Start(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)), time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("yearly Start = %v, want %v", got, want)
	}

	if _, err := NewCycle("not a cron"); err == nil {
		t.Error("NewCycle accepted an invalid expression")
	}
}
