package upstream

import "testing"

func TestFingerprintStableUnderEnvOrdering(t *testing.T) {
	a := &Config{Name: "a", Transport: TransportStdio, Command: "uvx", Args: []string{"mcp-hn"},
		Env: map[string]string{"A": "1", "B": "2"}}
	b := &Config{Name: "a", Transport: TransportStdio, Command: "uvx", Args: []string{"mcp-hn"},
		Env: map[string]string{"B": "2", "A": "1"}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints diverged for env maps with identical contents in different order")
	}
}

func TestFingerprintDiffersOnEnvValue(t *testing.T) {
	a := &Config{Name: "a", Transport: TransportStdio, Command: "uvx", Env: map[string]string{"A": "1"}}
	b := &Config{Name: "a", Transport: TransportStdio, Command: "uvx", Env: map[string]string{"A": "2"}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprints matched despite differing env value")
	}
}

func TestFingerprintIgnoresNonBehavioralFields(t *testing.T) {
	a := &Config{ID: "id-1", Name: "a", Transport: TransportStdio, Command: "uvx", Description: "first"}
	b := &Config{ID: "id-2", Name: "a", Transport: TransportStdio, Command: "uvx", Description: "second"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint should ignore id/description, only behavior-affecting fields")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid stdio", Config{Name: "hn", Transport: TransportStdio, Command: "uvx"}, false},
		{"missing command", Config{Name: "hn", Transport: TransportStdio}, true},
		{"valid sse", Config{Name: "remote", Transport: TransportSSE, URL: "https://example.com/sse"}, false},
		{"bad url", Config{Name: "remote", Transport: TransportSSE, URL: "not-a-url"}, true},
		{"bad name chars", Config{Name: "bad/name", Transport: TransportStdio, Command: "x"}, true},
		{"unknown transport", Config{Name: "x", Transport: "carrier-pigeon"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
