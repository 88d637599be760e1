package provider

import (
	"testing"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

func TestVetAllowsPlainCommands(t *testing.T) {
	p := NewCommandPolicy()
	for _, cmd := range []string{
		"go test ./...",
		"ls -la src",
		"npm run lint && npm test",
		"grep -r TODO src | head -5",
	} {
		if err := p.Vet(cmd); err != nil {
			t.Errorf("Vet(%q) = %v, want nil", cmd, err)
		}
	}
}

func TestVetBlocksDeniedConstructs(t *testing.T) {
	p := NewCommandPolicy()
	for _, cmd := range []string{
		"sudo rm -rf /",
		"eval \"$payload\"",
		"echo `whoami`",
		"echo $(cat /etc/passwd)",
		"(cd / && ls)",
		"ls && sudo reboot",
		"true; sudo shutdown now",
	} {
		err := p.Vet(cmd)
		if err == nil {
			t.Errorf("Vet(%q) = nil, want blocked", cmd)
			continue
		}
		ae, ok := aidferr.As(err)
		if !ok || ae.Code != aidferr.CodePermissionCommandBlocked {
			t.Errorf("Vet(%q) error = %v, want permission.COMMAND_BLOCKED", cmd, err)
		}
		if aidferr.IsRetryable(err) {
			t.Errorf("Vet(%q) error should not be retryable", cmd)
		}
	}
}

func TestVetBlocksUnparseable(t *testing.T) {
	p := NewCommandPolicy()
	if err := p.Vet("echo 'unterminated"); err == nil {
		t.Error("unparseable command should be blocked")
	}
}
