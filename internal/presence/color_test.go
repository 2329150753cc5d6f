package presence

import "testing"

func TestColorForIsDeterministic(t *testing.T) {
	first := ColorFor("user-1")
	for i := 0; i < 10; i++ {
		if got := ColorFor("user-1"); got != first {
			t.Fatalf("color changed between calls: %s vs %s", first, got)
		}
	}
}

func TestColorForSpreadsUsers(t *testing.T) {
	seen := make(map[string]struct{})
	for _, userID := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		seen[ColorFor(userID)] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("expected different users to receive different colors")
	}
}
