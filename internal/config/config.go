package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":5000"`
	LogPath        string   `envconfig:"LOG_PATH" default:""`
	WorkDir        string   `envconfig:"WORK_DIR" default:"scenarios_work_dir"`
	CatalogPath    string   `envconfig:"CATALOG_PATH" default:""`
	AuditDBPath    string   `envconfig:"AUDIT_DB_PATH" default:"data/scenarios.db"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"localhost:5173,localhost:5000"`

	// Provisioning backend: "terraform" or "docker"
	Backend                        string        `envconfig:"BACKEND" default:"terraform"`
	TerraformBin                   string        `envconfig:"TERRAFORM_BIN" default:"terraform"`
	ModuleSource                   string        `envconfig:"MODULE_SOURCE" default:"git::ssh://git@github.com/weka/Chaos-Lab.git"`
	AWSRegion                      string        `envconfig:"AWS_REGION" default:"us-east-1"`
	InitTimeout                    time.Duration `envconfig:"INIT_TIMEOUT" default:"10m"`
	ApplyTimeout                   time.Duration `envconfig:"APPLY_TIMEOUT" default:"15m"`
	DestroyTimeout                 time.Duration `envconfig:"DESTROY_TIMEOUT" default:"10m"`
	ProvisionFailureDestroyTimeout time.Duration `envconfig:"PROVISION_FAILURE_DESTROY_TIMEOUT" default:"5m"`
	KeyReleaseCommand              []string      `envconfig:"KEY_RELEASE_COMMAND" default:"aws,ec2,delete-key-pair,--key-name"`
	DockerHost                     string        `envconfig:"DOCKER_HOST" default:""`
	DockerImage                    string        `envconfig:"DOCKER_IMAGE" default:"lscr.io/linuxserver/openssh-server:latest"`
	DockerMemoryLimit              string        `envconfig:"DOCKER_MEMORY_LIMIT" default:"512m"`

	// Session lifecycle
	SessionDuration     time.Duration `envconfig:"SESSION_DURATION" default:"30m"`
	ExtensionDuration   time.Duration `envconfig:"EXTENSION_DURATION" default:"30m"`
	SweepSchedule       string        `envconfig:"SWEEP_SCHEDULE" default:"@every 15s"`
	LastClientGrace     time.Duration `envconfig:"LAST_CLIENT_GRACE" default:"0s"`
	TeardownOnShellExit bool          `envconfig:"TEARDOWN_ON_SHELL_EXIT" default:"false"`
	SlowClientTimeout   time.Duration `envconfig:"SLOW_CLIENT_TIMEOUT" default:"5s"`

	// Remote shell
	SSHUser           string        `envconfig:"SSH_USER" default:"ec2-user"`
	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"30s"`
}

var Cfg Settings

// Load reads an optional .env file and then the CHAOSLAB_* environment into Cfg.
func Load() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("WARNING: failed to load .env file: %v", err)
	}
	if err := envconfig.Process("CHAOSLAB", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// Validate rejects settings that would leave the lifecycle core unable to run.
func (s Settings) Validate() error {
	switch s.Backend {
	case "terraform", "docker":
	default:
		return fmt.Errorf("unknown backend %q (want terraform or docker)", s.Backend)
	}
	if s.SessionDuration <= 0 {
		return fmt.Errorf("session duration must be positive, got %s", s.SessionDuration)
	}
	if s.ExtensionDuration <= 0 {
		return fmt.Errorf("extension duration must be positive, got %s", s.ExtensionDuration)
	}
	if s.LastClientGrace < 0 {
		return fmt.Errorf("last client grace must not be negative, got %s", s.LastClientGrace)
	}
	if s.SweepSchedule == "" {
		return fmt.Errorf("sweep schedule must be set")
	}
	return nil
}
