package workers

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ehrlich-b/dispatch/internal/storage"
)

const sshDialTimeout = 10 * time.Second

// sshDial opens an SSH session to a remote worker using its configured
// authentication.
func (m *Manager) sshDial(worker *storage.Worker) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	switch worker.AuthMethod {
	case storage.AuthKey:
		keyPath := worker.SSHPrivateKey
		if keyPath == "" {
			return nil, fmt.Errorf("worker %q has no SSH key", worker.Name)
		}
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse SSH key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	case storage.AuthPassword:
		auth = append(auth, ssh.Password(worker.Password))
	default:
		return nil, fmt.Errorf("unknown auth method %q", worker.AuthMethod)
	}

	cfg := &ssh.ClientConfig{
		User: worker.SSHUser,
		Auth: auth,
		// Workers are provisioned hosts the operator named explicitly.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}
	addr := net.JoinHostPort(worker.Addr(), "22")
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh %s@%s: %w", worker.SSHUser, addr, err)
	}
	return client, nil
}

// runSSH executes one command on the remote host and returns its combined
// output.
func runSSH(client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(command); err != nil {
		return out.String(), fmt.Errorf("remote command %q: %w: %s", command, err, bytes.TrimSpace(out.Bytes()))
	}
	return out.String(), nil
}

// startRemote launches the agent on the remote host, detached from the SSH
// session.
func (m *Manager) startRemote(ctx context.Context, worker *storage.Worker) error {
	client, err := m.sshDial(worker)
	if err != nil {
		return err
	}
	defer client.Close()

	launch := fmt.Sprintf(
		"DISPATCH_BROKER_PASSWORD=%s nohup dispatch agent --name %s --port %d --max-jobs %d --broker-host %s --broker-port %d >> ~/.dispatch/log/%s.log 2>&1 & echo $!",
		shellQuote(m.secret), shellQuote(worker.Name), worker.Port, worker.MaxJobs,
		shellQuote(m.brokerHostForRemote()), m.cfg.Broker.Port, shellQuote(strings.ToLower(worker.Name)),
	)
	if _, err := runSSH(client, "mkdir -p ~/.dispatch/log && "+launch); err != nil {
		return err
	}

	// The agent binds its port at startup; verify it stayed up.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}
	check := fmt.Sprintf("pgrep -f 'dispatch agent --name %s' >/dev/null", shellQuote(worker.Name))
	if _, err := runSSH(client, check); err != nil {
		return fmt.Errorf("agent for %s did not stay up on %s", worker.Name, worker.Addr())
	}
	return nil
}

// stopRemote kills the remote agent process.
func (m *Manager) stopRemote(ctx context.Context, worker *storage.Worker) error {
	client, err := m.sshDial(worker)
	if err != nil {
		return err
	}
	defer client.Close()
	_, err = runSSH(client, fmt.Sprintf("pkill -f 'dispatch agent --name %s' || true", shellQuote(worker.Name)))
	return err
}

// deprovision withdraws our public key from the remote authorized_keys.
func (m *Manager) deprovision(ctx context.Context, worker *storage.Worker) error {
	client, err := m.sshDial(worker)
	if err != nil {
		return err
	}
	defer client.Close()

	comment := keyComment(worker)
	strip := fmt.Sprintf("grep -v %s ~/.ssh/authorized_keys > ~/.ssh/authorized_keys.tmp && mv ~/.ssh/authorized_keys.tmp ~/.ssh/authorized_keys", shellQuote(comment))
	_, err = runSSH(client, strip)
	return err
}

// keyComment is the marker embedded in provisioned public keys, used to
// find our entry in authorized_keys again.
func keyComment(worker *storage.Worker) string {
	return fmt.Sprintf("dispatcher-worker-%s-%s", worker.Addr(), worker.SSHUser)
}

// brokerHostForRemote is the broker address a remote host should use. A
// loopback-bound broker is unreachable from other machines; the operator
// must expose it, but we pass it through as configured either way.
func (m *Manager) brokerHostForRemote() string {
	return m.cfg.Broker.Host
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
