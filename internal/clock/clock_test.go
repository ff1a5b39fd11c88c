package clock

import (
	"testing"
	"time"
)

func TestMockAdvance(t *testing.T) {
	start := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	m := NewMock(start)

	if got := m.Now(); !got.Equal(start) {
		t.Fatalf("Expected %v, got %v", start, got)
	}

	got := m.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if !got.Equal(want) || !m.Now().Equal(want) {
		t.Errorf("Expected %v after advance, got %v", want, m.Now())
	}

	later := time.Date(2024, 1, 16, 0, 0, 10, 0, time.UTC)
	m.Set(later)
	if !m.Now().Equal(later) {
		t.Errorf("Expected %v after set, got %v", later, m.Now())
	}
}

func TestRealClockMovesForward(t *testing.T) {
	var c Clock = RealClock{}
	a := c.Now()
	b := c.Now()
	if b.Before(a) {
		t.Errorf("Real clock went backwards: %v then %v", a, b)
	}
}
