package main

import "testing"

func TestCrlf(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain line", "hello\n", "hello\r\n"},
		{"interior newlines", "a\nb\nc", "a\r\nb\r\nc"},
		{"no newline", "prompt$ ", "prompt$ "},
		{"blank line", "\n", "\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := crlf(tt.input); got != tt.want {
				t.Errorf("crlf(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
