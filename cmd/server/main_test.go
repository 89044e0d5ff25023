package main

import (
	"reflect"
	"testing"
)

func TestParseChannelBlacklist(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"unset", "", nil},
		{"single pair", "app:wallet", []string{"app:wallet"}},
		{"multiple pairs", "app:wallet,h5:legacy", []string{"app:wallet", "h5:legacy"}},
		{"whitespace and empties", " app:wallet , ,h5:legacy,", []string{"app:wallet", "h5:legacy"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseChannelBlacklist(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
