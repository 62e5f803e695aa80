package provision

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/chaoslab/control-plane/internal/scenario"
)

func TestDockerContainerSpec(t *testing.T) {
	d := &Docker{Image: "lscr.io/linuxserver/openssh-server:latest", MemoryLimit: "512m", User: "ec2-user"}
	cfg, hostCfg, err := d.containerSpec("clw-demo-1", []byte("ssh-ed25519 AAAA"))
	if err != nil {
		t.Fatal(err)
	}
	if hostCfg.Resources.Memory != 512*1024*1024 {
		t.Errorf("memory = %d", hostCfg.Resources.Memory)
	}
	if _, ok := cfg.ExposedPorts[sshdPort]; !ok {
		t.Error("sshd port not exposed")
	}
	bindings := hostCfg.PortBindings[sshdPort]
	if len(bindings) != 1 || bindings[0].HostIP != "127.0.0.1" {
		t.Errorf("bindings = %+v", bindings)
	}
	found := false
	for _, e := range cfg.Env {
		if e == "PUBLIC_KEY=ssh-ed25519 AAAA" {
			found = true
		}
	}
	if !found {
		t.Errorf("public key not passed: %v", cfg.Env)
	}
	if cfg.Labels["session"] != "clw-demo-1" {
		t.Errorf("labels = %v", cfg.Labels)
	}
}

func TestDockerContainerSpec_BadMemory(t *testing.T) {
	d := &Docker{MemoryLimit: "lots"}
	if _, _, err := d.containerSpec("s", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestPublishedPort(t *testing.T) {
	port, err := publishedPort(nat.PortMap{sshdPort: {{HostIP: "127.0.0.1", HostPort: "49153"}}})
	if err != nil || port != "49153" {
		t.Fatalf("publishedPort = %q, %v", port, err)
	}
	if _, err := publishedPort(nat.PortMap{}); err == nil {
		t.Fatal("expected error when nothing is published")
	}
}

func TestWaitForPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if err := waitForPort(context.Background(), l.Addr().String(), time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestDockerDestroy_NothingToRemove(t *testing.T) {
	d := &Docker{}
	if err := d.Destroy(context.Background(), scenario.Session{ID: "s"}); err != nil {
		t.Fatal(err)
	}
}
