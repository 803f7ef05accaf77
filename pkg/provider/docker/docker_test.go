package docker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wardenhq/warden/pkg/provider"
)

func TestAgentEnv(t *testing.T) {
	env := agentEnv("sess-1", "https://warden.example/callback", map[string]string{"NPM_TOKEN": "x"})

	want := map[string]bool{
		"WARDEN_SESSION_ID=sess-1":                            false,
		"WARDEN_CALLBACK_URL=https://warden.example/callback": false,
		"NPM_TOKEN=x": false,
	}
	for _, e := range env {
		if _, ok := want[e]; ok {
			want[e] = true
		}
	}
	for e, seen := range want {
		if !seen {
			t.Errorf("missing env entry %q in %v", e, env)
		}
	}
}

func TestContainerName(t *testing.T) {
	p := &Provider{}
	if got := p.containerName("sess-1"); got != "warden-sandbox-sess-1" {
		t.Errorf("containerName = %q", got)
	}
}

func TestCapabilities(t *testing.T) {
	p := &Provider{}
	caps := p.Capabilities()
	if !caps.SupportsSnapshots || !caps.SupportsRestore || !caps.SupportsWarm {
		t.Errorf("capabilities = %+v", caps)
	}
}

// TestIntegrationCreateMissingImage verifies that a missing agent image is
// reported as a typed error rather than a panic or a silent container leak.
// Requires a reachable Docker daemon.
func TestIntegrationCreateMissingImage(t *testing.T) {
	p, err := New("warden-agent-does-not-exist:latest")
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := p.client.Ping(ctx); err != nil {
		t.Skipf("Docker daemon not responsive: %v", err)
	}

	_, err = p.CreateSandbox(ctx, provider.CreateConfig{
		SandboxID: "sb-test",
		SessionID: "sess-test",
	})
	if err == nil {
		t.Fatal("expected error for missing agent image")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want image-not-found", err)
	}
}
