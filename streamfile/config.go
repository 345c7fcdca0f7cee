package streamfile

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds sender and receiver settings. Fields that only apply to one
// side are ignored by the other.
type Config struct {
	// PacketSize is the fixed packet size; the sender also uses it as meta_len.
	PacketSize int

	// Repeat makes the sender restart with a fresh header after each file pass
	// instead of falling into the zero phase.
	Repeat bool

	// LengthTagName names the packet boundary tag channel.
	LengthTagName string

	// OutputDir receives completed files.
	OutputDir string

	// Debug enables phase transition logging on the default logger.
	Debug bool

	// Overwrite replaces existing files; otherwise a numeric suffix is added.
	Overwrite bool

	// MaxScanBuffer caps the receiver's scan buffer; once exceeded it is cut
	// down to ScanRetain bytes of recent history.
	MaxScanBuffer int
	ScanRetain    int

	// MaxFileSize and MaxMetaLen bound what the receiver accepts as a header.
	MaxFileSize uint64
	MaxMetaLen  int

	// DefaultName is used when a header carries no usable name.
	DefaultName string

	// ChunkPackets is how many packets Stream requests per write.
	ChunkPackets int

	// ReadBufferSize is the read size used by Drain.
	ReadBufferSize int

	// ProgressInterval rate-limits OnProgress.
	ProgressInterval time.Duration

	// Logger overrides the logger built from Debug.
	Logger logrus.FieldLogger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		PacketSize:       DefaultPacketSize,
		Repeat:           true,
		LengthTagName:    DefaultLengthTagName,
		OutputDir:        ".",
		Overwrite:        true,
		MaxScanBuffer:    DefaultMaxScanBuffer,
		ScanRetain:       DefaultScanRetain,
		MaxFileSize:      DefaultMaxFileSize,
		MaxMetaLen:       DefaultMaxMetaLen,
		DefaultName:      DefaultName,
		ChunkPackets:     DefaultChunkPackets,
		ReadBufferSize:   DefaultReadBufferSize,
		ProgressInterval: 100 * time.Millisecond,
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.PacketSize < FixedHeaderLen || c.PacketSize > MaxPacketSize:
		return configError("packet_size must be between %d and %d, got %d", FixedHeaderLen, MaxPacketSize, c.PacketSize)
	case c.MaxScanBuffer <= 0:
		return configError("max_scan_buffer_bytes must be positive, got %d", c.MaxScanBuffer)
	case c.ScanRetain <= 0 || c.ScanRetain > c.MaxScanBuffer:
		return configError("scan_retain_bytes must be in (0, %d], got %d", c.MaxScanBuffer, c.ScanRetain)
	case c.MaxMetaLen < FixedHeaderLen || c.MaxMetaLen > MaxPacketSize:
		return configError("max_meta_len must be between %d and %d, got %d", FixedHeaderLen, MaxPacketSize, c.MaxMetaLen)
	case c.MaxFileSize == 0:
		return configError("max_file_size must be positive")
	case c.ChunkPackets <= 0:
		return configError("chunk_packets must be positive, got %d", c.ChunkPackets)
	case c.ReadBufferSize <= 0:
		return configError("read_buffer_bytes must be positive, got %d", c.ReadBufferSize)
	}
	return nil
}

func configError(format string, args ...interface{}) error {
	return WrapError(ErrConfig, "validate", "", fmt.Errorf(format, args...))
}

// ScanLimits returns the receiver acceptance policy from c.
func (c *Config) ScanLimits() ScanLimits {
	return ScanLimits{
		MaxMetaLen:  c.MaxMetaLen,
		MaxFileSize: c.MaxFileSize,
		DefaultName: c.DefaultName,
	}
}

func (c *Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return NewLogger(c.Debug)
}

// options collects everything an Option can set.
type options struct {
	config    *Config
	callbacks *Callbacks
	logger    logrus.FieldLogger
	clock     TimeProvider
}

// Option configures a Packetizer, Reassembler or Receiver.
type Option func(*options)

// WithConfig sets the configuration.
func WithConfig(config *Config) Option {
	return func(o *options) {
		o.config = config
	}
}

// WithCallbacks sets the event callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(o *options) {
		o.callbacks = callbacks
	}
}

// WithLogger sets the logger, overriding Config.Logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock used for progress and durations.
func WithClock(clock TimeProvider) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func applyOptions(opts []Option) (*options, error) {
	o := &options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	if o.config == nil {
		o.config = DefaultConfig()
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	o.callbacks = mergeCallbacks(o.callbacks)
	if o.logger == nil {
		o.logger = o.config.logger()
	}
	if o.clock == nil {
		o.clock = systemClock{}
	}
	return o, nil
}

// Configuration keys recognized by LoadConfig.
const (
	KeyPacketSize       = "packet_size"
	KeyRepeat           = "repeat"
	KeyLengthTagName    = "length_tag_name"
	KeyOutputDirectory  = "output_directory"
	KeyDebugLogging     = "debug_logging"
	KeyOverwrite        = "overwrite"
	KeyMaxScanBuffer    = "max_scan_buffer_bytes"
	KeyScanRetain       = "scan_retain_bytes"
	KeyMaxFileSize      = "max_file_size"
	KeyMaxMetaLen       = "max_meta_len"
	KeyDefaultName      = "default_name"
	KeyChunkPackets     = "chunk_packets"
	KeyReadBufferSize   = "read_buffer_bytes"
	KeyProgressInterval = "progress_interval"
)

// EnvPrefix is the environment variable prefix read by NewViper.
const EnvPrefix = "STREAMFILE"

// SetDefaults registers the DefaultConfig values on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(KeyPacketSize, d.PacketSize)
	v.SetDefault(KeyRepeat, d.Repeat)
	v.SetDefault(KeyLengthTagName, d.LengthTagName)
	v.SetDefault(KeyOutputDirectory, d.OutputDir)
	v.SetDefault(KeyDebugLogging, d.Debug)
	v.SetDefault(KeyOverwrite, d.Overwrite)
	v.SetDefault(KeyMaxScanBuffer, d.MaxScanBuffer)
	v.SetDefault(KeyScanRetain, d.ScanRetain)
	v.SetDefault(KeyMaxFileSize, d.MaxFileSize)
	v.SetDefault(KeyMaxMetaLen, d.MaxMetaLen)
	v.SetDefault(KeyDefaultName, d.DefaultName)
	v.SetDefault(KeyChunkPackets, d.ChunkPackets)
	v.SetDefault(KeyReadBufferSize, d.ReadBufferSize)
	v.SetDefault(KeyProgressInterval, d.ProgressInterval)
}

// NewViper returns a viper instance with defaults and STREAMFILE_* environment
// overrides. If configFile is non-empty it is read as well.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, WrapError(ErrConfig, "read config", configFile, err)
		}
	}
	return v, nil
}

// LoadConfig builds a validated Config from v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	c := &Config{
		PacketSize:       v.GetInt(KeyPacketSize),
		Repeat:           v.GetBool(KeyRepeat),
		LengthTagName:    v.GetString(KeyLengthTagName),
		OutputDir:        v.GetString(KeyOutputDirectory),
		Debug:            v.GetBool(KeyDebugLogging),
		Overwrite:        v.GetBool(KeyOverwrite),
		MaxScanBuffer:    v.GetInt(KeyMaxScanBuffer),
		ScanRetain:       v.GetInt(KeyScanRetain),
		MaxFileSize:      v.GetUint64(KeyMaxFileSize),
		MaxMetaLen:       v.GetInt(KeyMaxMetaLen),
		DefaultName:      v.GetString(KeyDefaultName),
		ChunkPackets:     v.GetInt(KeyChunkPackets),
		ReadBufferSize:   v.GetInt(KeyReadBufferSize),
		ProgressInterval: v.GetDuration(KeyProgressInterval),
	}
	if c.LengthTagName == "" {
		c.LengthTagName = DefaultLengthTagName
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
