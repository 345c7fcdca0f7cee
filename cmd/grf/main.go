package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drunlade/go-streamfile/streamfile"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var (
	configFile  = flag.String("config", "", "configuration file (yaml, toml or json)")
	link        = flag.StringP("link", "l", "-", "link to read the stream from (-, path, tcp://, tcp-listen://, serial://, ssh://)")
	outputDir   = flag.StringP("output-dir", "o", ".", "directory for received files")
	overwrite   = flag.BoolP("overwrite", "y", true, "overwrite existing files instead of adding a numeric suffix")
	maxFiles    = flag.Int("max-files", 1, "stop after this many files (0 = keep receiving)")
	maxBuffer   = flag.Int("max-buffer", streamfile.DefaultMaxScanBuffer, "scan buffer cap in bytes")
	passthrough = flag.Bool("passthrough", false, "copy the stream to stdout while receiving")
	keyFile     = flag.String("ssh-key", "", "private key for ssh:// links")
	knownHosts  = flag.String("ssh-known-hosts", "", "known_hosts file for ssh:// links")
	baud        = flag.Int("baud", 9600, "default baud rate for serial:// links")
	verbose     = flag.BoolP("verbose", "v", false, "debug logging")
	quiet       = flag.BoolP("quiet", "q", false, "only log errors")
	help        = flag.BoolP("help", "h", false, "show help")
	version     = flag.Bool("version", false, "show version")
)

const versionString = "grf version 0.1.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}
	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	v, err := streamfile.NewViper(*configFile)
	if err != nil {
		fatal(err)
	}
	bindFlag(v, streamfile.KeyOutputDirectory, "output-dir")
	bindFlag(v, streamfile.KeyOverwrite, "overwrite")
	bindFlag(v, streamfile.KeyMaxScanBuffer, "max-buffer")
	bindFlag(v, streamfile.KeyDebugLogging, "verbose")
	if f := flag.Lookup("max-buffer"); f.Changed && *maxBuffer < v.GetInt(streamfile.KeyScanRetain) {
		v.Set(streamfile.KeyScanRetain, *maxBuffer/4)
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

	if *passthrough && term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintf(os.Stderr, "%s: refusing to pass a binary stream through to a terminal\n", os.Args[0])
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	showProgress := !*quiet && term.IsTerminal(int(os.Stderr.Fd()))
	callbacks := &streamfile.Callbacks{
		OnFileStart: func(name, partPath string, size int64) {
			logger.WithFields(logrus.Fields{
				"file_name": name,
				"file_size": size,
			}).Info("header received")
		},
		OnProgress: func(name string, written, total int64, rate float64) {
			if !showProgress {
				return
			}
			percent := float64(0)
			if total > 0 {
				percent = float64(written) / float64(total) * 100
			}
			fmt.Fprintf(os.Stderr, "\r%s: %.1f%% (%.0f bytes/s)", name, percent, rate)
		},
		OnFileComplete: func(path string, size int64, duration time.Duration) {
			if showProgress {
				fmt.Fprintln(os.Stderr)
			}
			if !*quiet {
				fmt.Fprintf(os.Stderr, "%s (%d bytes in %v)\n", path, size, duration.Round(time.Millisecond))
			}
		},
	}

	in, err := streamfile.OpenLink(*link, streamfile.LinkReceive, streamfile.LinkConfig{
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
	defer in.Close()

	var r io.Reader = in
	if config.Debug {
		r = streamfile.NewLoggingReader(in, logger, *link)
	}

	if *passthrough {
		err = runTap(ctx, r, config, callbacks)
	} else {
		err = runReceiver(ctx, r, config, callbacks)
	}
	if err != nil {
		fatal(err)
	}
}

func runReceiver(ctx context.Context, r io.Reader, config *streamfile.Config, callbacks *streamfile.Callbacks) error {
	rx, err := streamfile.NewReceiver(
		streamfile.WithConfig(config),
		streamfile.WithCallbacks(callbacks),
	)
	if err != nil {
		return err
	}
	if err := rx.ReceiveFiles(ctx, r, *maxFiles); err != nil {
		return err
	}
	if *maxFiles > 0 && len(rx.Received()) < *maxFiles {
		return fmt.Errorf("stream ended after %d of %d file(s)", len(rx.Received()), *maxFiles)
	}
	return nil
}

// runTap forwards the whole stream to stdout and receives a single file on the side.
func runTap(ctx context.Context, r io.Reader, config *streamfile.Config, callbacks *streamfile.Callbacks) error {
	ra, err := streamfile.NewReassembler(
		streamfile.WithConfig(config),
		streamfile.WithCallbacks(callbacks),
	)
	if err != nil {
		return err
	}
	defer ra.Close()

	// cancelling stops the copy between reads, so ra is never written
	// after Close
	tap := streamfile.NewTapReader(streamfile.NewContextReader(ctx, r), ra)
	_, err = io.Copy(os.Stdout, tap)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	return tap.Err()
}

// bindFlag lets an explicitly set flag override the config file.
func bindFlag(v *viper.Viper, key, name string) {
	if f := flag.Lookup(name); f != nil && f.Changed {
		v.BindPFlag(key, f)
	}
}

// promptPassword asks on the controlling terminal, never on a data stream.
func promptPassword() (string, error) {
	if *link == "-" {
		return "", fmt.Errorf("stdin carries the stream, set SSH_PASSWORD")
	}
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
	fmt.Fprintf(os.Stderr, `%s - receive a file from a packet stream

Usage: %s [options]

Options:
%s
Examples:
  %s -o rx/ < /tmp/rx.fifo                      # receive from a radio pipeline
  %s -l tcp-listen://:52002 --max-files 0 -o rx/ # keep receiving from a TCP sink block
  %s -l serial:///dev/ttyUSB0?baud=57600

`, versionString, os.Args[0], flag.CommandLine.FlagUsages(), os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
