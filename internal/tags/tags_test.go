package tags

import (
	"slices"
	"testing"
)

func TestSelects(t *testing.T) {
	tests := []struct {
		name string
		step []string
		only []string
		skip []string
		want bool
	}{
		{"no constraints", []string{"db", "setup"}, nil, nil, true},
		{"untagged step", nil, nil, nil, true},
		{"only match", []string{"db", "setup"}, []string{"db"}, nil, true},
		{"only no match", []string{"web"}, []string{"db"}, nil, false},
		{"untagged step with only", nil, []string{"db"}, nil, false},
		{"skip match", []string{"db", "setup"}, nil, []string{"db"}, false},
		{"skip no match", []string{"web"}, nil, []string{"db"}, true},
		{"only and skip both match", []string{"db", "slow"}, []string{"db"}, []string{"slow"}, false},
		{"always without selection", []string{"always"}, []string{"db"}, nil, true},
		{"always skipped by name", []string{"always"}, nil, []string{"always"}, false},
		{"never by default", []string{"never", "debug"}, nil, nil, false},
		{"never selected by name", []string{"never", "debug"}, []string{"debug"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Selects(tt.step, tt.only, tt.skip); got != tt.want {
				t.Errorf("Selects(%v, %v, %v) = %v, want %v", tt.step, tt.only, tt.skip, got, tt.want)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"db", []string{"db"}},
		{"db, web ,,setup", []string{"db", "web", "setup"}},
	}
	for _, tt := range tests {
		if got := Split(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("Split(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
