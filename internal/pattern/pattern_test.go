package pattern

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		patterns []string
		want     bool
	}{
		{"exact", "1.txt", []string{"1.txt"}, true},
		{"class", "1.txt", []string{"[12].txt"}, true},
		{"star", "1.txt", []string{"*.txt"}, true},
		{"no match", "1.txt", []string{"2.txt"}, false},
		{"negative overrides earlier positive", "1.txt", []string{"1.txt", "!*.txt"}, false},
		{"positive overrides earlier negative", "1.txt", []string{"!*.txt", "[12].txt"}, true},
		{"negative without prior match", "1.txt", []string{"!*.txt"}, false},
		{"nil patterns match everything", "anything.dat", nil, true},
		{"empty patterns match everything", "anything.dat", []string{}, true},
		{"question mark", "a.txt", []string{"?.txt"}, true},
		{"later positive rematches", "1.txt", []string{"*.txt", "!1.txt", "1.*"}, true},
		{"malformed glob matches nothing", "1.txt", []string{"[.txt"}, false},
		{"malformed negative leaves match intact", "1.txt", []string{"*.txt", "![.txt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.filename, tt.patterns); got != tt.want {
				t.Errorf("Match(%q, %v) = %v, want %v", tt.filename, tt.patterns, got, tt.want)
			}
		})
	}
}

func TestMatchOrderSensitivity(t *testing.T) {
	// Appending a negative pattern that hits always clears the match.
	base := []string{"*", "[01].txt"}
	if !Match("0.txt", base) {
		t.Fatal("base patterns should match")
	}
	if Match("0.txt", append(append([]string{}, base...), "!0.txt")) {
		t.Error("appended negative should clear the match")
	}

	// Prepending the same negative pattern can be re-overridden.
	if !Match("0.txt", append([]string{"!0.txt"}, base...)) {
		t.Error("prepended negative should be overridden by later positives")
	}
}
