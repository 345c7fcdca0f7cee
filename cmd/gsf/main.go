package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/drunlade/go-streamfile/streamfile"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var (
	configFile = flag.String("config", "", "configuration file (yaml, toml or json)")
	link       = flag.StringP("link", "l", "-", "link to write the stream to (-, path, tcp://, tcp-listen://, serial://, ssh://)")
	packetSize = flag.IntP("packet-size", "s", streamfile.DefaultPacketSize, "packet size in bytes")
	once       = flag.Bool("once", false, "send the file once, then stop instead of repeating")
	tagLog     = flag.String("tag-log", "", "write packet boundary tags to this file")
	tagName    = flag.String("tag-name", streamfile.DefaultLengthTagName, "name of the packet length tag")
	chunk      = flag.Int("chunk-packets", streamfile.DefaultChunkPackets, "packets per write")
	keyFile    = flag.String("ssh-key", "", "private key for ssh:// links")
	knownHosts = flag.String("ssh-known-hosts", "", "known_hosts file for ssh:// links")
	baud       = flag.Int("baud", 9600, "default baud rate for serial:// links")
	verbose    = flag.BoolP("verbose", "v", false, "debug logging")
	quiet      = flag.BoolP("quiet", "q", false, "only log errors")
	help       = flag.BoolP("help", "h", false, "show help")
	version    = flag.Bool("version", false, "show version")
)

const versionString = "gsf version 0.1.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}
	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	files := flag.Args()
	if len(files) != 1 {
		fmt.Fprintf(os.Stderr, "%s: exactly one file must be given\n", os.Args[0])
		showUsage(1)
	}

	v, err := streamfile.NewViper(*configFile)
	if err != nil {
		fatal(err)
	}
	bindFlag(v, streamfile.KeyPacketSize, "packet-size")
	bindFlag(v, streamfile.KeyLengthTagName, "tag-name")
	bindFlag(v, streamfile.KeyChunkPackets, "chunk-packets")
	bindFlag(v, streamfile.KeyDebugLogging, "verbose")
	if flag.CommandLine.Changed("once") {
		v.Set(streamfile.KeyRepeat, !*once)
	}

	config, err := streamfile.LoadConfig(v)
	if err != nil {
		fatal(err)
	}
	logger := streamfile.NewLogger(config.Debug)
	if *quiet {
		logger.SetLevel(logrus.ErrorLevel)
	}
	config.Logger = logger

	if (*link == "-" || *link == "") && term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintf(os.Stderr, "%s: refusing to write a binary stream to a terminal, use --link\n", os.Args[0])
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	callbacks := &streamfile.Callbacks{
		OnCycle: func(h streamfile.Header, cycle int) {
			logger.WithFields(logrus.Fields{
				"cycle":     cycle,
				"file_name": h.Name,
				"file_size": h.FileSize,
			}).Info("sending file")
		},
		OnError: func(err error, context string) {
			logger.WithError(err).Warnf("error in %s", context)
		},
	}

	p, err := streamfile.NewPacketizer(files[0],
		streamfile.WithConfig(config),
		streamfile.WithCallbacks(callbacks),
	)
	if err != nil {
		fatal(err)
	}
	defer p.Close()

	opts := streamfile.StreamOptions{
		ChunkPackets: config.ChunkPackets,
		StopWhenIdle: !config.Repeat,
	}
	if *tagLog != "" {
		f, err := os.Create(*tagLog)
		if err != nil {
			fatal(err)
		}
		defer f.Close()
		opts.Tags = streamfile.NewTagLog(f)
	}

	out, err := streamfile.OpenLink(*link, streamfile.LinkSend, streamfile.LinkConfig{
		DefaultBaud: *baud,
		SSH: streamfile.SSHConfig{
			Password:       os.Getenv("SSH_PASSWORD"),
			PasswordPrompt: promptPassword,
			KeyFile:        *keyFile,
			KnownHostsFile: *knownHosts,
		},
		Logger: logger,
	})
	if err != nil {
		fatal(err)
	}
	defer out.Close()

	var w io.Writer = out
	if config.Debug {
		w = streamfile.NewLoggingWriter(out, logger, *link)
	}

	if err := streamfile.Stream(ctx, p, w, opts); err != nil {
		fatal(err)
	}
	logger.WithFields(logrus.Fields{
		"bytes":  p.Written(),
		"cycles": p.Cycles(),
	}).Info("stream stopped")
}

// bindFlag lets an explicitly set flag override the config file.
func bindFlag(v *viper.Viper, key, name string) {
	if f := flag.Lookup(name); f != nil && f.Changed {
		v.BindPFlag(key, f)
	}
}

// promptPassword asks on the controlling terminal, never on a data stream.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt for a password, set SSH_PASSWORD")
	}
	fmt.Fprint(os.Stderr, "SSH password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return string(pw), err
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
	os.Exit(1)
}

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
		// a second signal gets the default behaviour and kills the process
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - send a file as a repeating packet stream

Usage: %s [options] file

Options:
%s
Examples:
  %s photo.jpg > /tmp/tx.fifo                 # feed a radio pipeline through a FIFO
  %s --once -l tcp://127.0.0.1:52001 log.txt  # send once to a TCP source block
  %s -l serial:///dev/ttyUSB0?baud=57600 a.bin

`, versionString, os.Args[0], flag.CommandLine.FlagUsages(), os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
