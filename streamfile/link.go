package streamfile

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Direction says which way a link carries the stream.
type Direction int

const (
	// LinkSend opens the link for writing packets.
	LinkSend Direction = iota
	// LinkReceive opens the link for reading the stream.
	LinkReceive
)

// LinkConfig holds the settings OpenLink needs beyond the target string.
type LinkConfig struct {
	// Stdin and Stdout back the "-" target; they default to the process's.
	Stdin  io.Reader
	Stdout io.Writer

	// DialTimeout bounds TCP connects.
	DialTimeout time.Duration

	// DefaultBaud is used for serial targets without a baud parameter.
	DefaultBaud int

	SSH SSHConfig

	Logger logrus.FieldLogger
}

// OpenLink opens the byte-stream link named by target:
//
//	-                              process stdin or stdout
//	path, file:///path             a file or FIFO
//	tcp://host:port                dial
//	tcp-listen://addr              accept one connection
//	serial:///dev/ttyUSB0?baud=N   a serial port, e.g. a TNC or radio modem
//	ssh://user@host:port/command   a remote command's stdin or stdout
func OpenLink(target string, dir Direction, cfg LinkConfig) (io.ReadWriteCloser, error) {
	if cfg.Logger == nil {
		cfg.Logger = NewNopLogger()
	}
	if target == "" || target == "-" {
		return openStdio(cfg), nil
	}
	if !strings.Contains(target, "://") {
		return openFile(target, dir)
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, WrapError(ErrLink, "parse link", target, err)
	}
	logger := cfg.Logger.WithField("link", u.Redacted())
	switch u.Scheme {
	case "file":
		return openFile(u.Host+u.Path, dir)

	case "tcp":
		timeout := cfg.DialTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		conn, err := net.DialTimeout("tcp", u.Host, timeout)
		if err != nil {
			return nil, WrapError(ErrLink, "dial", u.Host, err)
		}
		logger.Info("connected")
		return conn, nil

	case "tcp-listen":
		ln, err := net.Listen("tcp", u.Host)
		if err != nil {
			return nil, WrapError(ErrLink, "listen", u.Host, err)
		}
		defer ln.Close()
		logger.WithField("addr", ln.Addr().String()).Info("waiting for connection")
		conn, err := ln.Accept()
		if err != nil {
			return nil, WrapError(ErrLink, "accept", u.Host, err)
		}
		logger.WithField("remote", conn.RemoteAddr().String()).Info("connection accepted")
		return conn, nil

	case "serial":
		return openSerial(u, cfg, logger)

	case "ssh":
		return openSSH(u, cfg, logger)
	}
	return nil, WrapError(ErrLink, "open link", target, fmt.Errorf("unsupported scheme %q", u.Scheme))
}

type stdioLink struct {
	io.Reader
	io.Writer
}

func (stdioLink) Close() error { return nil }

func openStdio(cfg LinkConfig) io.ReadWriteCloser {
	l := stdioLink{Reader: cfg.Stdin, Writer: cfg.Stdout}
	if l.Reader == nil {
		l.Reader = os.Stdin
	}
	if l.Writer == nil {
		l.Writer = os.Stdout
	}
	return l
}

func openFile(path string, dir Direction) (io.ReadWriteCloser, error) {
	var (
		f   *os.File
		err error
	)
	if dir == LinkSend {
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	} else {
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, WrapError(ErrLink, "open", path, err)
	}
	return f, nil
}

func openSerial(u *url.URL, cfg LinkConfig, logger logrus.FieldLogger) (io.ReadWriteCloser, error) {
	port := u.Host + u.Path
	baud := cfg.DefaultBaud
	if baud <= 0 {
		baud = 9600
	}
	if b := u.Query().Get("baud"); b != "" {
		v, err := strconv.Atoi(b)
		if err != nil || v <= 0 {
			return nil, WrapError(ErrLink, "parse baud", b, fmt.Errorf("invalid baud rate"))
		}
		baud = v
	}
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, WrapError(ErrLink, "open serial", port, err)
	}
	// reads time out with (0, nil), letting Drain notice cancellation
	if err := p.SetReadTimeout(pollInterval); err != nil {
		p.Close()
		return nil, WrapError(ErrLink, "configure serial", port, err)
	}
	logger.WithFields(logrus.Fields{"port": port, "baud": baud}).Info("serial port opened")
	return p, nil
}

func openSSH(u *url.URL, cfg LinkConfig, logger logrus.FieldLogger) (io.ReadWriteCloser, error) {
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "22")
	}
	user := u.User.Username()
	if user == "" {
		user = os.Getenv("USER")
	}
	if pw, ok := u.User.Password(); ok && cfg.SSH.Password == "" {
		cfg.SSH.Password = pw
	}
	command := strings.TrimPrefix(u.Path, "/")
	if command == "" {
		return nil, WrapError(ErrLink, "open ssh link", host, fmt.Errorf("no remote command in link target"))
	}

	client, err := DialSSH(host, user, cfg.SSH, logger)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, WrapError(ErrLink, "ssh session", host, err)
	}
	link, err := NewSSHLink(sess)
	if err != nil {
		sess.Close()
		client.Close()
		return nil, err
	}
	link.client = client
	if err := link.Start(command); err != nil {
		link.Close()
		return nil, err
	}
	logger.WithFields(logrus.Fields{"host": host, "command": command}).Info("remote command started")
	return link, nil
}
