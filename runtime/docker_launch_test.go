package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLaunchFailed(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		output string
		want   bool
	}{
		{"missing binary", 127, `OCI runtime exec failed: exec failed: unable to start container process: exec: "gcc": executable file not found in $PATH: unknown`, true},
		{"not executable", 126, `exec: "/usr/bin/cc": permission denied`, true},
		{"compiler exits 127 on its own", 127, "source.c:3:5: error: unknown type name 'in'", false},
		{"compiler exits 126 silently", 126, "", false},
		{"ordinary failure mentioning not found", 1, "header not found", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, launchFailed(tt.code, tt.output))
		})
	}
}
