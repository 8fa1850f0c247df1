package engine

import "testing"

func TestTagFilterAdmits(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		skip    []string
		tags    []string
		want    bool
	}{
		{"no filter untagged", nil, nil, nil, true},
		{"no filter tagged", nil, nil, []string{"deploy"}, true},
		{"no filter never", nil, nil, []string{"never"}, false},
		{"include match", []string{"deploy"}, nil, []string{"deploy"}, true},
		{"include miss", []string{"deploy"}, nil, []string{"setup"}, false},
		{"include miss untagged", []string{"deploy"}, nil, nil, false},
		{"always without include", nil, nil, []string{"always"}, true},
		{"always with include", []string{"deploy"}, nil, []string{"always"}, true},
		{"never named explicitly", []string{"never"}, nil, []string{"never"}, true},
		{"skip match", nil, []string{"slow"}, []string{"slow"}, false},
		{"skip beats always", nil, []string{"cleanup"}, []string{"cleanup", "always"}, false},
		{"case insensitive include", []string{"Deploy"}, nil, []string{"DEPLOY"}, true},
		{"case insensitive skip", nil, []string{"SLOW"}, []string{"slow"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewTagFilter(tt.include, tt.skip)
			if got := f.Admits(tt.tags); got != tt.want {
				t.Errorf("Admits(%v) = %v, want %v", tt.tags, got, tt.want)
			}
		})
	}
}

func TestMergeTagsDeduplicates(t *testing.T) {
	got := mergeTags([]string{"a", "b"}, []string{"B", "c"}, []string{"a"})
	if len(got) != 3 {
		t.Fatalf("expected 3 tags, got %v", got)
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("unexpected order: %v", got)
	}
}
