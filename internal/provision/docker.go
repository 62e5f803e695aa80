package provision

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/chaoslab/control-plane/internal/scenario"
	"github.com/chaoslab/control-plane/internal/sshkeys"
)

const (
	labelManagedBy = "chaoslab"
	sshdPort       = nat.Port("2222/tcp")
	readyTimeout   = 60 * time.Second
)

// Docker provisions local sandboxes: one OpenSSH server container per session
// with a freshly generated key pair, published on a loopback port.
type Docker struct {
	Host        string
	Image       string
	MemoryLimit string
	User        string

	client *dockerclient.Client
}

func (d *Docker) Name() string { return "docker" }

// Initialize connects to the daemon.
func (d *Docker) Initialize(ctx context.Context) error {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if d.Host != "" {
		opts = append(opts, dockerclient.WithHost(d.Host))
	}
	c, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	if _, err := c.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	d.client = c
	log.Println("[provision] docker daemon connected")
	return nil
}

func (d *Docker) ensureImage(ctx context.Context) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, d.Image); err == nil {
		return nil
	}
	log.Printf("[provision] image %s not found locally, pulling...", d.Image)
	reader, err := d.client.ImagePull(ctx, d.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", d.Image, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

// containerSpec builds the container and host configs for a session.
func (d *Docker) containerSpec(sessionID string, publicKey []byte) (*container.Config, *container.HostConfig, error) {
	var memLimit int64
	if d.MemoryLimit != "" {
		n, err := units.RAMInBytes(d.MemoryLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("parse memory limit %q: %w", d.MemoryLimit, err)
		}
		memLimit = n
	}

	cfg := &container.Config{
		Image: d.Image,
		Env: []string{
			"PUID=1000",
			"PGID=1000",
			"USER_NAME=" + d.User,
			"PUBLIC_KEY=" + string(publicKey),
			"PASSWORD_ACCESS=false",
			"SUDO_ACCESS=true",
		},
		ExposedPorts: nat.PortSet{sshdPort: struct{}{}},
		Labels:       map[string]string{"managed-by": labelManagedBy, "session": sessionID},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			sshdPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		Resources: container.Resources{Memory: memLimit},
	}
	return cfg, hostCfg, nil
}

func (d *Docker) Provision(ctx context.Context, req Request) (Result, error) {
	res := Result{Cleanup: scenario.CleanupHandle{Backend: d.Name()}}
	if d.client == nil {
		return res, fmt.Errorf("docker backend not initialized")
	}
	if err := d.ensureImage(ctx); err != nil {
		return res, err
	}

	publicKey, privateKey, err := sshkeys.GenerateKeyPair()
	if err != nil {
		return res, err
	}
	cfg, hostCfg, err := d.containerSpec(req.SessionID, publicKey)
	if err != nil {
		return res, err
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, req.SessionID)
	if err != nil {
		return res, fmt.Errorf("create container: %w", err)
	}
	res.Cleanup.ResourceID = resp.ID

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return res, fmt.Errorf("start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return res, fmt.Errorf("inspect container: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return res, fmt.Errorf("container %s has no network settings", req.SessionID)
	}
	hostPort, err := publishedPort(inspect.NetworkSettings.Ports)
	if err != nil {
		return res, err
	}
	addr := net.JoinHostPort("127.0.0.1", hostPort)
	if err := waitForPort(ctx, addr, readyTimeout); err != nil {
		return res, err
	}

	res.HostAddress = addr
	res.Credential = privateKey
	res.SSHUser = d.User
	if req.Entry.SSHUser != "" {
		res.SSHUser = req.Entry.SSHUser
	}
	return res, nil
}

// publishedPort returns the host port bound to the container's sshd.
func publishedPort(ports nat.PortMap) (string, error) {
	for _, b := range ports[sshdPort] {
		if b.HostPort != "" {
			return b.HostPort, nil
		}
	}
	return "", fmt.Errorf("no host port published for %s", sshdPort)
}

func waitForPort(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("sshd on %s not reachable after %s", addr, timeout)
}

// Destroy force-removes the session's container.
func (d *Docker) Destroy(ctx context.Context, sess scenario.Session) error {
	ref := sess.Cleanup.ResourceID
	if ref == "" || d.client == nil {
		return nil
	}
	err := d.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", ref, err)
	}
	return nil
}
