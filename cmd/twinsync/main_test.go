package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/twinsync/config"
)

const lampConfig = `
adapter_start_timeout = "5s"

[storage]
topic = "mem://cmd-records"

[[twin]]
id = "lamp"

[[twin.digital]]
id = "dashboard"
events = ["overheating"]

[[twin.step]]
category = "dt.physical.event.property"
name = "watts"
transform = "body * 1000"
`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "twinsync.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs twinsync with args, reading overrides from environ only.
func execute(ctx context.Context, environ map[string]string, args ...string) (string, error) {
	cmd := newRootCommand(&RootOptions{Environ: environ})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, lampConfig)
	out, err := execute(context.Background(), map[string]string{}, "validate", "--config", path)
	if err != nil {
		t.Fatal(err)
	}
	want := `twin lamp: 0 physical, 1 digital adapters, 1 pipeline steps
storage sinks: [topic]
ok
`
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("validate output mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		environ map[string]string
		want    error
	}{
		{
			name: "no-twins",
			data: "log_level = \"info\"",
			want: config.ErrInvalid,
		},
		{
			name:    "override-breaks-config",
			data:    lampConfig,
			environ: map[string]string{"TWINSYNC_STORAGE_TOPIC": "no-scheme"},
			want:    config.ErrInvalid,
		},
		{
			name: "missing-file",
			want: os.ErrNotExist,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.toml")
			if tt.data != "" {
				path = writeConfig(t, tt.data)
			}
			environ := tt.environ
			if environ == nil {
				environ = map[string]string{}
			}
			_, err := execute(context.Background(), environ, "validate", "-c", path)
			if !errors.Is(err, tt.want) {
				t.Errorf("validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunUntilCancelled(t *testing.T) {
	path := writeConfig(t, lampConfig)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out string
	go func() {
		var err error
		out, err = execute(ctx, map[string]string{"TWINSYNC_LOG_LEVEL": "debug"}, "run", "--config", path)
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run = %v, want nil once cancelled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	for _, want := range []string{"Running twins", "Twin started"} {
		if !strings.Contains(out, want) {
			t.Errorf("run logs do not mention %q:\n%s", want, out)
		}
	}
}
