package provision

import (
	"context"
	"fmt"
	"log"
)

// CLIKeyReleaser deletes a cloud key pair by running a configured command
// with the key name appended, e.g. "aws ec2 delete-key-pair --key-name <name>".
type CLIKeyReleaser struct {
	Command []string
	Runner  CommandRunner
}

func (k *CLIKeyReleaser) Release(ctx context.Context, keyName string) error {
	if len(k.Command) == 0 {
		log.Printf("[provision] no key release command configured, leaving key pair %s", keyName)
		return nil
	}
	args := append(append([]string(nil), k.Command[1:]...), keyName)
	if _, err := k.Runner.Run(ctx, "", k.Command[0], args...); err != nil {
		return fmt.Errorf("release key pair %s: %w", keyName, err)
	}
	log.Printf("[provision] released key pair %s", keyName)
	return nil
}
