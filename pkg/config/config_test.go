package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v2"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaultConfigParses(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	var c Config
	if err := yaml.UnmarshalStrict(buf.Bytes(), &c); err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}
	if c != (Config{}) {
		t.Fatalf("default config should leave every option unset, got %#v", c)
	}

	// every documented key must exist in Config
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.HasPrefix(line, "# ") || !strings.Contains(line, ": ") {
			continue
		}
		opt := strings.TrimPrefix(line, "# ")
		if strings.Contains(strings.SplitN(opt, ":", 2)[0], " ") {
			continue
		}
		if err := yaml.UnmarshalStrict([]byte(opt), &c); err != nil {
			t.Errorf("documented option %q: %v", opt, err)
		}
	}
}

func TestLoadConfigFrom(t *testing.T) {
	p := writeFile(t, "marker: SECRET\nregister-width: 4\noutput-format: yaml\ndisasm: true\nframe-section: eh_frame\n")
	c, err := LoadConfigFrom(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.Marker != "SECRET" || c.RegisterWidth == nil || *c.RegisterWidth != 4 || c.OutputFormat != "yaml" || !c.Disasm || c.FrameSection != "eh_frame" {
		t.Fatalf("unexpected config %#v", c)
	}
	if c.MaxTreeDepth != nil {
		t.Fatalf("max-tree-depth should be unset")
	}
}

func TestLoadConfigFromErrors(t *testing.T) {
	testCases := []struct {
		content string
		errstr  string
	}{
		{"output-format: xml\n", "unknown output-format"},
		{"frame-section: debug_line\n", "unknown frame-section"},
		{"max-tree-depth: 0\n", "max-tree-depth must be positive"},
		{"marker: A\nmarker-regexp: B\n", "mutually exclusive"},
		{"no-such-option: 1\n", "unable to decode"},
	}
	for _, tc := range testCases {
		_, err := LoadConfigFrom(writeFile(t, tc.content))
		if err == nil || !strings.Contains(err.Error(), tc.errstr) {
			t.Errorf("%q: expected error containing %q, got %v", tc.content, tc.errstr, err)
		}
	}
}
