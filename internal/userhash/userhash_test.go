package userhash

import (
	"regexp"
	"testing"
)

var hashPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

func TestGenerate_KnownVector(t *testing.T) {
	t.Parallel()

	// Hand-computed reference for ("u1", "a@x.com"): the fold over
	// "u1-a@x.com" ends at -933044229, giving sub-hashes 379d2005,
	// 6bc06e091 and 3b16f204e.
	got := Generate("u1", "a@x.com")
	want := "0x00000000000000379d20056bc06e0913b16f204e"
	if got != want {
		t.Errorf("Generate(u1, a@x.com) = %s, want %s", got, want)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		subjectID string
		email     string
	}{
		{"simple", "u1", "a@x.com"},
		{"uuid subject", "4f1c2a80-9a3e-4c8a-b0d1-1f2e3d4c5b6a", "nurse@ward7.example.org"},
		{"empty email", "subject-only", ""},
		{"long email", "u2", "a.very.long.address+tag@subdomain.hospital.example.com"},
		{"non-ascii", "u3", "søster@example.no"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			first := Generate(tt.subjectID, tt.email)
			second := Generate(tt.subjectID, tt.email)
			if first != second {
				t.Errorf("not deterministic: %s vs %s", first, second)
			}
			if !hashPattern.MatchString(first) {
				t.Errorf("output %q does not match ^0x[0-9a-f]{40}$", first)
			}
		})
	}
}

func TestGenerate_InputSensitivity(t *testing.T) {
	t.Parallel()

	base := Generate("u1", "a@x.com")
	if Generate("u2", "a@x.com") == base {
		t.Error("different subject ids should not collide on this input")
	}
	if Generate("u1", "b@x.com") == base {
		t.Error("different emails should not collide on this input")
	}
}
