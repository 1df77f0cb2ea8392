package utils

import "testing"

func TestExtractTokenFromHeader(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc.def", "abc.def", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bear", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractTokenFromHeader(tt.header)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("header %q: expected (%q, err=%v), got (%q, %v)", tt.header, tt.want, tt.wantErr, got, err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"development", "production", ""} {
		logger, err := NewLogger(env)
		if err != nil || logger == nil {
			t.Fatalf("env %q: expected logger, got %v", env, err)
		}
	}
}
