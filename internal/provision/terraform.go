package provision

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/chaoslab/control-plane/internal/scenario"
)

// Files and outputs the scenario modules are expected to produce.
const (
	hostFileName    = "scenario_chaos_ip.txt"
	keyFileGlob     = "*-key.pem"
	outputHost      = "scenario_instance_public_ip"
	outputKeyPEM    = "private_key_pem"
	outputKeyName   = "key_name"
	mainFileName    = "main.tf"
	workDirPerm     = 0o755
	credentialPerms = 0o600
)

var mainTemplate = template.Must(template.New("main.tf").Parse(`provider "aws" {
  region = "{{.Region}}"
}

module "base_infrastructure" {
  source      = "{{.Source}}//modules/base"
  name_prefix = "{{.NamePrefix}}"
}

module "scenario_chaos" {
  source                    = "{{.Source}}//{{.ModulePath}}"
  name_prefix               = "{{.NamePrefix}}"
  subnet_id                 = module.base_infrastructure.subnet_id
  private_subnet_id         = module.base_infrastructure.private_subnet_id
  security_group_id         = module.base_infrastructure.security_group_id
  key_name                  = module.base_infrastructure.keypair_name
  random_pet_id             = module.base_infrastructure.random_pet_id
  private_key_pem           = module.base_infrastructure.private_key_pem
  other_private_ips         = module.base_infrastructure.instance_private_ips
  other_public_ips          = module.base_infrastructure.instance_public_ips
  iam_role_name             = module.base_infrastructure.ec2_instance_role_name
  iam_policy_arn            = module.base_infrastructure.describe_instances_policy_arn
  iam_instance_profile_name = module.base_infrastructure.ec2_instance_profile_name
  ami_id                    = module.base_infrastructure.ami_id
}
`))

type mainParams struct {
	Region     string
	Source     string
	ModulePath string
	NamePrefix string
}

// Terraform provisions scenarios by rendering a root module into a per-session
// working directory and driving the terraform CLI there.
type Terraform struct {
	Bin          string
	Source       string
	Region       string
	Runner       CommandRunner
	InitTimeout  time.Duration
	ApplyTimeout time.Duration
}

func (t *Terraform) Name() string { return "terraform" }

func (t *Terraform) run(ctx context.Context, timeout time.Duration, dir string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return t.Runner.Run(ctx, dir, t.Bin, args...)
}

// Provision runs init and apply, then reads back the host address, the
// credential and the key pair name. The returned Result always carries the
// cleanup handle, even on error, so partial resources can be destroyed.
func (t *Terraform) Provision(ctx context.Context, req Request) (Result, error) {
	res := Result{Cleanup: scenario.CleanupHandle{Backend: t.Name(), WorkDir: req.WorkDir}}

	if err := os.MkdirAll(req.WorkDir, workDirPerm); err != nil {
		return res, fmt.Errorf("create working directory: %w", err)
	}
	if err := t.writeMain(req); err != nil {
		return res, err
	}

	log.Printf("[provision] %s: terraform init", req.SessionID)
	if _, err := t.run(ctx, t.InitTimeout, req.WorkDir, "init", "-no-color", "-input=false"); err != nil {
		return res, fmt.Errorf("terraform init: %w", err)
	}
	log.Printf("[provision] %s: terraform apply", req.SessionID)
	if _, err := t.run(ctx, t.ApplyTimeout, req.WorkDir, "apply", "--auto-approve", "-no-color", "-input=false"); err != nil {
		return res, fmt.Errorf("terraform apply: %w", err)
	}

	host, err := t.readHost(ctx, req.WorkDir)
	if err != nil {
		return res, err
	}
	credential, err := t.readCredential(ctx, req.WorkDir)
	if err != nil {
		return res, err
	}

	keyName, err := t.run(ctx, 0, req.WorkDir, "output", "-raw", outputKeyName)
	if err != nil {
		log.Printf("[provision] %s: no %s output, key pair will not be released: %v", req.SessionID, outputKeyName, err)
	}
	res.Cleanup.KeyName = strings.TrimSpace(string(keyName))

	res.HostAddress = host
	res.Credential = credential
	res.SSHUser = req.Entry.SSHUser
	return res, nil
}

func (t *Terraform) writeMain(req Request) error {
	var buf bytes.Buffer
	err := mainTemplate.Execute(&buf, mainParams{
		Region:     t.Region,
		Source:     t.Source,
		ModulePath: req.Entry.ModulePath,
		NamePrefix: req.SessionID,
	})
	if err != nil {
		return fmt.Errorf("render %s: %w", mainFileName, err)
	}
	if err := os.WriteFile(filepath.Join(req.WorkDir, mainFileName), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", mainFileName, err)
	}
	return nil
}

// readHost prefers the first line of the host file written by the scenario
// module and falls back to the terraform output.
func (t *Terraform) readHost(ctx context.Context, dir string) (string, error) {
	if f, err := os.Open(filepath.Join(dir, hostFileName)); err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		if sc.Scan() {
			if host := strings.TrimSpace(sc.Text()); host != "" {
				return host, nil
			}
		}
	}

	out, err := t.run(ctx, 0, dir, "output", "-json", outputHost)
	if err != nil {
		return "", fmt.Errorf("read host address: %w", err)
	}
	host, err := decodeOutput(out)
	if err != nil || host == "" {
		return "", fmt.Errorf("read host address: output %s is empty or malformed", outputHost)
	}
	return host, nil
}

// readCredential prefers a *-key.pem file in the working directory and falls
// back to the private_key_pem output. The recovered key is written back to
// disk with owner-only permissions.
func (t *Terraform) readCredential(ctx context.Context, dir string) ([]byte, error) {
	matches, _ := filepath.Glob(filepath.Join(dir, keyFileGlob))
	if len(matches) > 0 {
		data, err := os.ReadFile(matches[0])
		if err != nil {
			return nil, fmt.Errorf("read credential %s: %w", filepath.Base(matches[0]), err)
		}
		return data, nil
	}

	out, err := t.run(ctx, 0, dir, "output", "-json", outputKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	pem, err := decodeOutput(out)
	if err != nil || pem == "" {
		return nil, errors.New("read credential: no key file and no private_key_pem output")
	}
	path := filepath.Join(dir, filepath.Base(dir)+"-key.pem")
	if err := os.WriteFile(path, []byte(pem), credentialPerms); err != nil {
		log.Printf("[provision] could not persist credential to %s: %v", path, err)
	}
	return []byte(pem), nil
}

// decodeOutput accepts either a bare JSON string or {"value": "..."}.
func decodeOutput(raw []byte) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var wrapped struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return "", err
	}
	switch v := wrapped.Value.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return strings.TrimSpace(s), nil
			}
		}
	}
	return "", fmt.Errorf("unexpected output shape")
}

// Destroy runs terraform destroy in the session's working directory. A
// missing directory means nothing was ever applied.
func (t *Terraform) Destroy(ctx context.Context, sess scenario.Session) error {
	dir := sess.Cleanup.WorkDir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(dir, mainFileName)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	log.Printf("[provision] %s: terraform destroy", sess.ID)
	if _, err := t.Runner.Run(ctx, dir, t.Bin, "destroy", "--auto-approve", "-no-color", "-input=false"); err != nil {
		return fmt.Errorf("terraform destroy: %w", err)
	}
	return nil
}
