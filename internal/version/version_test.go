package version

import "testing"

func TestString_SinglePrefix(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1.4.0", "v1.4.0"},
		{"v1.4.0", "v1.4.0"},
		{"dev", "vdev"},
		{"v1.4.0-rc.1", "v1.4.0-rc.1"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			original := Version
			defer func() { Version = original }()

			Version = tt.input
			if got := String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFull_ShortensCommit(t *testing.T) {
	origVersion, origCommit := Version, Commit
	defer func() { Version, Commit = origVersion, origCommit }()

	Version = "1.4.0"
	Commit = "3f2a9c1d8e7b6a5f"
	if got := Full(); got != "v1.4.0 (3f2a9c1)" {
		t.Errorf("Full() = %q, want %q", got, "v1.4.0 (3f2a9c1)")
	}

	Commit = "abc"
	if got := Full(); got != "v1.4.0 (abc)" {
		t.Errorf("Full() = %q, want %q", got, "v1.4.0 (abc)")
	}
}
