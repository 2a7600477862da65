// Package hostkey verifies SSH host keys against a known_hosts file and asks a human, through
// the approval broker, before trusting a key it has never seen.
package hostkey

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"remote-access-trust/backend/internal/approval/domain"
)

var (
	ErrHostKeyRejected = errors.New("host key was not approved")
	ErrHostKeyMismatch = errors.New("host key does not match known_hosts entry")
)

// Approver is the minimal approval broker surface needed here.
type Approver interface {
	RequestVerification(ctx context.Context, payload domain.HostKeyPayload) bool
}

// Verifier owns one known_hosts file. Appends are serialized.
type Verifier struct {
	mu       sync.Mutex
	path     string
	approver Approver
}

func NewVerifier(path string, approver Approver) *Verifier {
	return &Verifier{path: path, approver: approver}
}

// Callback returns an ssh.HostKeyCallback bound to ctx. Known keys pass, changed keys fail
// without a prompt, and unknown keys are trusted only when a human approves them.
func (v *Verifier) Callback(ctx context.Context) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		known, err := v.knownHosts()
		if err != nil {
			return err
		}
		err = known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			log.Printf("hostkey: %s presented a different %s key than known_hosts", hostname, key.Type())
			return ErrHostKeyMismatch
		}

		target := knownhosts.Normalize(hostname)
		fingerprint := ssh.FingerprintSHA256(key)
		approved := v.approver.RequestVerification(ctx, domain.HostKeyPayload{
			Host:        target,
			KeyType:     key.Type(),
			Fingerprint: fingerprint,
			Prompt:      fmt.Sprintf("The authenticity of host %s can't be established.\n%s key fingerprint is %s.\nTrust this host?", target, key.Type(), fingerprint),
			// No DedupeKey: only dials presenting this exact key may share the answer.
		})
		if !approved {
			return ErrHostKeyRejected
		}
		if err := v.remember(hostname, remote, key); err != nil {
			// The human approved this connection; failing to persist only means they get asked again.
			log.Printf("hostkey: failed to record key for %s: %v", target, err)
		}
		return nil
	}
}

func (v *Verifier) knownHosts() (ssh.HostKeyCallback, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ensureFileLocked(); err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(v.path)
	if err != nil {
		return nil, fmt.Errorf("hostkey: read known_hosts: %w", err)
	}
	return cb, nil
}

func (v *Verifier) ensureFileLocked() error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("hostkey: create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("hostkey: open known_hosts: %w", err)
	}
	return f.Close()
}

func (v *Verifier) remember(hostname string, remote net.Addr, key ssh.PublicKey) error {
	addresses := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if addr := knownhosts.Normalize(remote.String()); addr != addresses[0] {
			addresses = append(addresses, addr)
		}
	}
	line := knownhosts.Line(addresses, key)

	v.mu.Lock()
	defer v.mu.Unlock()
	f, err := os.OpenFile(v.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// TrustHost connects to addr, runs the host key check, and closes the connection. A nil error means
// the host key is trusted. Authentication failures after the key exchange are not errors here.
func (v *Verifier) TrustHost(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("hostkey: dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var hostKeyErr error
	checked := false
	callback := v.Callback(ctx)
	cfg := &ssh.ClientConfig{
		User: "trust-check",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			checked = true
			hostKeyErr = callback(hostname, remote, key)
			return hostKeyErr
		},
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err == nil {
		go ssh.DiscardRequests(reqs)
		go func() {
			for ch := range chans {
				ch.Reject(ssh.Prohibited, "host key check only")
			}
		}()
		sshConn.Close()
		return nil
	}
	if checked {
		return hostKeyErr
	}
	return fmt.Errorf("hostkey: handshake with %s: %w", addr, err)
}
