package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPlainOutputHasNoEscapes(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	if p.Interactive() {
		t.Fatal("buffer reported as a terminal")
	}
	if got := p.Error("boom"); got != "boom" {
		t.Errorf("Error() = %q, want plain text", got)
	}

	out := p.Table([]string{"TYPE", "ROWS"}, [][]string{{"task", "3"}, {"message", "12"}})
	if strings.Contains(out, "\x1b[") {
		t.Errorf("table contains escape codes: %q", out)
	}
	for _, want := range []string{"TYPE", "task", "12"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Microsecond, "500µs"},
		{1234567 * time.Microsecond, "1.235s"},
	}
	for _, tt := range tests {
		if got := Duration(tt.in); got != tt.want {
			t.Errorf("Duration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
