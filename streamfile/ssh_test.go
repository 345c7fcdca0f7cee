package streamfile

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testSSHUser     = "radio"
	testSSHPassword = "secret"
)

// startSSHServer runs an SSH server on localhost that hands every exec
// request to handle and returns its address.
func startSSHServer(t *testing.T, handle func(command string, ch ssh.Channel)) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testSSHUser && string(pass) == testSSHPassword {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, config, handle)
		}
	}()
	return ln.Addr().String()
}

func serveSSH(conn net.Conn, config *ssh.ServerConfig, handle func(string, ssh.Channel)) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)
				go func() {
					handle(payload.Command, ch)
					ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
					ch.Close()
				}()
			}
		}()
	}
}

func dialTestSSH(t *testing.T, addr string) *ssh.Client {
	t.Helper()
	client, err := DialSSH(addr, testSSHUser, SSHConfig{Password: testSSHPassword, Timeout: 5 * time.Second}, NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSSHLinkSend(t *testing.T) {
	received := make(chan []byte, 1)
	addr := startSSHServer(t, func(command string, ch ssh.Channel) {
		if command != "rx_sink" {
			return
		}
		data, _ := io.ReadAll(ch)
		received <- data
	})

	client := dialTestSSH(t, addr)
	sess, err := client.NewSession()
	require.NoError(t, err)
	link, err := NewSSHLink(sess)
	require.NoError(t, err)
	defer link.Close()

	src := writeFile(t, t.TempDir(), "over-ssh.bin", pattern(1500))
	p := newTestPacketizer(t, src, 256, false, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, link.Send(ctx, "rx_sink", p, StreamOptions{StopWhenIdle: true}))

	var data []byte
	select {
	case data = <-received:
	case <-ctx.Done():
		t.Fatal("server received nothing")
	}

	dir := t.TempDir()
	ra := newTestReassembler(t, testConfig(dir), nil)
	feed(t, ra, data, len(data))
	require.True(t, ra.Done())
	got, err := os.ReadFile(filepath.Join(dir, "over-ssh.bin"))
	require.NoError(t, err)
	assert.Equal(t, pattern(1500), got)
}

func TestSSHLinkReceive(t *testing.T) {
	stream := append([]byte("noise before lock"), frame("remote.txt", []byte("from the remote side"), 64)...)
	addr := startSSHServer(t, func(command string, ch ssh.Channel) {
		if command != "tx_source" {
			return
		}
		ch.Write(stream)
		// a real source keeps running until stopped
		io.Copy(io.Discard, ch)
	})

	client := dialTestSSH(t, addr)
	sess, err := client.NewSession()
	require.NoError(t, err)
	link, err := NewSSHLink(sess)
	require.NoError(t, err)
	defer link.Close()

	dir := t.TempDir()
	ra := newTestReassembler(t, testConfig(dir), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, link.Receive(ctx, "tx_source", ra, 0))

	require.True(t, ra.Done())
	got, err := os.ReadFile(filepath.Join(dir, "remote.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from the remote side"), got)
}

func TestSSHLinkStartTwice(t *testing.T) {
	addr := startSSHServer(t, func(command string, ch ssh.Channel) {
		io.Copy(io.Discard, ch)
	})
	client := dialTestSSH(t, addr)
	sess, err := client.NewSession()
	require.NoError(t, err)
	link, err := NewSSHLink(sess)
	require.NoError(t, err)
	defer link.Close()

	require.NoError(t, link.Start("first"))
	err = link.Start("second")
	assert.True(t, IsLink(err))
}

func TestOpenLinkSSH(t *testing.T) {
	addr := startSSHServer(t, func(command string, ch ssh.Channel) {
		if command == "tx_source" {
			ch.Write(frame("via-url.txt", []byte("opened by url"), 32))
		}
		io.Copy(io.Discard, ch)
	})

	target := (&url.URL{
		Scheme: "ssh",
		User:   url.UserPassword(testSSHUser, testSSHPassword),
		Host:   addr,
		Path:   "/tx_source",
	}).String()
	l, err := OpenLink(target, LinkReceive, LinkConfig{})
	require.NoError(t, err)
	defer l.Close()

	dir := t.TempDir()
	ra := newTestReassembler(t, testConfig(dir), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, Drain(ctx, l, ra, 0))
	require.True(t, ra.Done())
	assert.FileExists(t, filepath.Join(dir, "via-url.txt"))
}

func TestDialSSHErrors(t *testing.T) {
	addr := startSSHServer(t, func(string, ssh.Channel) {})

	t.Run("no auth", func(t *testing.T) {
		_, err := DialSSH(addr, testSSHUser, SSHConfig{}, nil)
		assert.True(t, IsLink(err))
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := DialSSH(addr, testSSHUser, SSHConfig{Password: "wrong"}, nil)
		assert.True(t, IsLink(err))
	})

	t.Run("missing key file", func(t *testing.T) {
		_, err := DialSSH(addr, testSSHUser, SSHConfig{KeyFile: filepath.Join(t.TempDir(), "id_none")}, nil)
		assert.True(t, IsLink(err))
	})

	t.Run("unknown host", func(t *testing.T) {
		knownHosts := writeFile(t, t.TempDir(), "known_hosts", nil)
		_, err := DialSSH(addr, testSSHUser, SSHConfig{Password: testSSHPassword, KnownHostsFile: knownHosts}, nil)
		assert.True(t, IsLink(err))
	})

	t.Run("prompt", func(t *testing.T) {
		var asked bool
		client, err := DialSSH(addr, testSSHUser, SSHConfig{PasswordPrompt: func() (string, error) {
			asked = true
			return testSSHPassword, nil
		}}, nil)
		require.NoError(t, err)
		client.Close()
		assert.True(t, asked)
	})
}
