package seq

import "testing"

func TestBeforeWraps(t *testing.T) {
	a := Num(65530)
	b := a.Add(10) // wraps past 65535
	if !a.Before(b) {
		t.Errorf("expected %d before %d across wraparound", a, b)
	}
	if b.Before(a) {
		t.Errorf("did not expect %d before %d", b, a)
	}
}

func TestDiffSelf(t *testing.T) {
	a := Num(42)
	if a.Diff(a) != 0 {
		t.Errorf("expected zero diff against self, got %d", a.Diff(a))
	}
}

func TestInWindow(t *testing.T) {
	base := Num(100)
	cases := []struct {
		n    Num
		want bool
	}{
		{Num(100), true},
		{Num(103), true},
		{Num(99), false},
		{Num(104), false},
	}
	for _, c := range cases {
		if got := c.n.InWindow(base, 4); got != c.want {
			t.Errorf("InWindow(%d, base=%d, size=4) = %v, want %v", c.n, base, got, c.want)
		}
	}
}
