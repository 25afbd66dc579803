package netsock

import (
	"testing"
	"time"
)

func TestTimeoutFromSeconds(t *testing.T) {
	var tests = []struct {
		seconds float64
		want    Timeout
		millis  int64
	}{
		{-1, Blocking, -1},
		{-0.5, Blocking, -1},
		{0, NonBlocking, 0},
		{0.25, Timeout(250 * time.Millisecond), 250},
		{2, Timeout(2 * time.Second), 2000},
		{1e-10, 1, 1},
	}
	for _, tt := range tests {
		got := TimeoutFromSeconds(tt.seconds)
		if got != tt.want {
			t.Errorf("TimeoutFromSeconds(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
		if got.Millis() != tt.millis {
			t.Errorf("%v.Millis() = %d, want %d", got, got.Millis(), tt.millis)
		}
	}
	if TimeoutMillis(-5) != Blocking || TimeoutMillis(uint8(3)) != Timeout(3*time.Millisecond) {
		t.Error("TimeoutMillis")
	}
	now := time.Now()
	if !Blocking.Deadline(now).IsZero() || !NonBlocking.Deadline(now).Equal(now) {
		t.Error("deadlines")
	}
}

func TestOptInt(t *testing.T) {
	for _, v := range []int{0, 1, -1, 1 << 20} {
		got, ok := ParseOptInt(OptInt(v))
		if !ok || int(got) != v {
			t.Errorf("OptInt(%d) round trip gave %d", v, got)
		}
	}
	if _, ok := ParseOptInt([]byte{1, 2}); ok {
		t.Error("parsed a 2 byte option")
	}
}
