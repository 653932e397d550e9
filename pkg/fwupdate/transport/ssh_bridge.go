// ssh_bridge.go — a remote-bench-strategy C1 backend: proxies SendReceive
// over SSH to a lab host that owns the real bus, for CI/bench runs where the
// control-plane process itself runs off-target. Grounded on
// internal/host/deployment.go's ssh.ClientConfig/ssh.Dial usage.
package transport

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"

	"fwupdate/internal/fwerr"
)

// SSHBridge runs a long-lived remote i2c-proxy session and exchanges one
// hex-encoded request/response line per SendReceive call.
type SSHBridge struct {
	guard
	cfg     Config
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  *bufio.Reader
}

func NewSSHBridge(cfg Config) *SSHBridge {
	return &SSHBridge{cfg: cfg}
}

func (s *SSHBridge) Open(bus int, addr uint8) error {
	if err := s.guard.claim(); err != nil {
		return err
	}
	s.cfg.Bus, s.cfg.Addr = bus, addr

	sshConfig := &ssh.ClientConfig{
		User: s.cfg.SSHUser,
		Auth: []ssh.AuthMethod{
			ssh.Password(s.cfg.SSHPassword),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	client, err := ssh.Dial("tcp", s.cfg.SSHHost+":22", sshConfig)
	if err != nil {
		s.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "ssh dial", err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		s.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "ssh new session", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		s.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "ssh stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		s.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "ssh stdout pipe", err)
	}

	cmd := fmt.Sprintf("fwupdate-i2c-proxy --bus %d --addr 0x%02x", bus, addr)
	if err := session.Start(cmd); err != nil {
		session.Close()
		client.Close()
		s.guard.release()
		return fwerr.Wrap(fwerr.KindTransportFailed, "start remote i2c proxy", err)
	}

	s.client, s.session, s.stdin, s.stdout = client, session, stdin, bufio.NewReader(stdout)
	return nil
}

// SendReceive writes one "<write-hex> <readLen>\n" request line and reads
// one "<read-hex>\n" response line from the remote proxy.
func (s *SSHBridge) SendReceive(write []byte, readLen int) ([]byte, error) {
	if err := s.guard.requireOpen(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.guard.trace("ssh-bridge.SendReceive", func() error {
		return retry(s.cfg.MaxRetries, func() error {
			req := fmt.Sprintf("%s %d\n", hex.EncodeToString(write), readLen)
			if _, err := io.WriteString(s.stdin, req); err != nil {
				return err
			}
			line, err := s.stdout.ReadString('\n')
			if err != nil {
				return err
			}
			decoded, err := hex.DecodeString(trimNewline(line))
			if err != nil {
				return err
			}
			out = decoded
			return nil
		})
	})
	return out, err
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func (s *SSHBridge) Close() error {
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.session != nil {
		s.session.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	s.guard.release()
	return nil
}
