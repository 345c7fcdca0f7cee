package streamfile

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds the credentials used to open ssh:// links.
type SSHConfig struct {
	// Password authenticates directly when set.
	Password string

	// PasswordPrompt is asked for a password when Password is empty.
	PasswordPrompt func() (string, error)

	// KeyFile is a private key in OpenSSH or PEM form.
	KeyFile string

	// KnownHostsFile verifies the server key. Empty accepts any key.
	KnownHostsFile string

	// Timeout bounds the TCP connect and handshake.
	Timeout time.Duration
}

// DialSSH connects to addr ("host:port") as user.
func DialSSH(addr, user string, cfg SSHConfig, logger logrus.FieldLogger) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, WrapError(ErrLink, "read ssh key", cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, WrapError(ErrLink, "parse ssh key", cfg.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	} else if cfg.PasswordPrompt != nil {
		auth = append(auth, ssh.PasswordCallback(cfg.PasswordPrompt))
	}
	if len(auth) == 0 {
		return nil, WrapError(ErrLink, "dial ssh", addr, errors.New("no authentication method configured"))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, WrapError(ErrLink, "load known hosts", cfg.KnownHostsFile, err)
		}
		hostKey = cb
	} else if logger != nil {
		logger.WithField("addr", addr).Warn("ssh host key not verified")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	})
	if err != nil {
		return nil, WrapError(ErrLink, "dial ssh", addr, err)
	}
	return client, nil
}

// SSHLink carries the stream through a remote command's stdin or stdout,
// e.g. a radio pipeline started on the machine that owns the hardware.
type SSHLink struct {
	client     *ssh.Client // owned, closed with the link
	sshSession *ssh.Session
	stdin      io.WriteCloser
	stdout     io.Reader
	stderr     io.Reader
	done       chan error
}

// NewSSHLink wraps an unstarted SSH session.
func NewSSHLink(sshSession *ssh.Session) (*SSHLink, error) {
	stdin, err := sshSession.StdinPipe()
	if err != nil {
		return nil, WrapError(ErrLink, "ssh stdin", "", err)
	}
	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, WrapError(ErrLink, "ssh stdout", "", err)
	}
	stderr, err := sshSession.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, WrapError(ErrLink, "ssh stderr", "", err)
	}
	return &SSHLink{
		sshSession: sshSession,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
	}, nil
}

// Start runs command on the remote side.
func (l *SSHLink) Start(command string) error {
	if l.done != nil {
		return NewError(ErrLink, "ssh command already started")
	}
	if err := l.sshSession.Start(command); err != nil {
		return WrapError(ErrLink, "start remote command", command, err)
	}
	l.done = make(chan error, 1)
	go func() {
		l.done <- l.sshSession.Wait()
	}()
	return nil
}

// wait waits for the remote command to exit after its stdin was closed.
func (l *SSHLink) wait(ctx context.Context) error {
	if l.done == nil {
		return nil
	}
	select {
	case err := <-l.done:
		l.done = nil
		if err != nil {
			return WrapError(ErrLink, "remote command", "", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send starts command and streams p into its stdin until the stream stops.
// Closing stdin then lets the remote command finish.
func (l *SSHLink) Send(ctx context.Context, command string, p *Packetizer, opts StreamOptions) error {
	if err := l.Start(command); err != nil {
		return err
	}
	err := Stream(ctx, p, l.stdin, opts)
	l.stdin.Close()

	if ctx.Err() != nil {
		return err
	}
	if werr := l.wait(ctx); err == nil {
		err = werr
	}
	return err
}

// Receive starts command and feeds its stdout into ra until the file
// completes, the remote side ends its output, or ctx is cancelled.
func (l *SSHLink) Receive(ctx context.Context, command string, ra *Reassembler, bufSize int) error {
	if err := l.Start(command); err != nil {
		return err
	}
	err := Drain(ctx, l.stdout, ra, bufSize)
	l.stdin.Close()
	// a repeating sender never exits on its own
	l.sshSession.Signal(ssh.SIGTERM)
	return err
}

// Read reads the remote command's stdout.
func (l *SSHLink) Read(p []byte) (int, error) { return l.stdout.Read(p) }

// Write writes to the remote command's stdin.
func (l *SSHLink) Write(p []byte) (int, error) { return l.stdin.Write(p) }

// Stderr returns the remote command's stderr.
func (l *SSHLink) Stderr() io.Reader { return l.stderr }

// Close closes stdin, the session and, for dialed links, the connection.
func (l *SSHLink) Close() error {
	var errs []error
	if l.stdin != nil {
		if err := l.stdin.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	if l.sshSession != nil {
		if err := l.sshSession.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	if l.client != nil {
		if err := l.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
