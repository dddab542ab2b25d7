package vfs

import "testing"

func TestNewIgnoreMatcher(t *testing.T) {
	t.Run("skips blank lines and comments", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"", "  ", "# comment", "*.log"})
		if len(m.patterns) != 1 {
			t.Fatalf("expected 1 pattern, got %d", len(m.patterns))
		}
		if m.patterns[0].pattern != "*.log" {
			t.Errorf("expected *.log, got %s", m.patterns[0].pattern)
		}
	})

	t.Run("leading slash anchors to the root", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"/cache/*"})
		if !m.patterns[0].matchPath || m.patterns[0].pattern != "cache/*" {
			t.Errorf("pattern = %+v, want path pattern cache/*", m.patterns[0])
		}
	})
}

func TestIgnoreMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		rel      string
		want     bool
	}{
		{"basename glob in root", []string{"*.log"}, "app.log", true},
		{"basename glob in subdirectory", []string{"*.log"}, "sub/app.log", true},
		{"different extension", []string{"*.log"}, "app.txt", false},
		{"path pattern exact", []string{"build/output"}, "build/output", true},
		{"path pattern wrong dir", []string{"build/output"}, "src/output", false},
		{"path pattern glob", []string{"build/*.o"}, "build/main.o", true},
		{"malformed pattern never matches", []string{"[", "*.tmp"}, "x.tmp", true},
		{"no patterns", nil, "anything", false},
		{"empty path", []string{"*"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NewIgnoreMatcher(tt.patterns).Match(tt.rel)
			if got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.rel, got, tt.want)
			}
		})
	}
}

func TestIgnoreMatcher_Nil(t *testing.T) {
	var m *IgnoreMatcher
	if m.Match("a") {
		t.Error("nil matcher matched")
	}
}
