package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sheerbytes/cfdprx/internal/fault"
	"github.com/sheerbytes/cfdprx/internal/transfer"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageFS     = "fs"
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// ServerConfig holds configuration for the cfdprx binary.
type ServerConfig struct {
	HTTPAddr string
	QUICAddr string // empty disables the QUIC datagram listener

	SerialDevice string // empty disables the serial TNC link
	SerialBaud   int
	KISSTCPAddr  string // empty disables the KISS-over-TCP link
	KISSPort     int

	Storage        string
	StorageDir     string
	Bucket         string
	StorageWorkers int
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisTTL       time.Duration

	LocalEntityID     uint64
	FilterDestination bool
	Retention         time.Duration
	JanitorInterval   time.Duration
	ProgressInterval  time.Duration

	LogLevel  string
	LogFormat string

	Transfer      transfer.Options
	FaultHandlers map[string]string
}

// fileConfig is the YAML layout. Timeouts are milliseconds and pointers mark
// values whose zero is meaningful.
type fileConfig struct {
	HTTPAddr          string            `yaml:"httpAddr"`
	QUICAddr          string            `yaml:"quicAddr"`
	SerialDevice      string            `yaml:"serialDevice"`
	SerialBaud        int               `yaml:"serialBaud"`
	KISSTCPAddr       string            `yaml:"kissTcpAddr"`
	KISSPort          *int              `yaml:"kissPort"`
	Storage           string            `yaml:"storage"`
	StorageDir        string            `yaml:"storageDir"`
	Bucket            string            `yaml:"bucket"`
	StorageWorkers    int               `yaml:"storageWorkers"`
	RedisAddr         string            `yaml:"redisAddr"`
	RedisPassword     string            `yaml:"redisPassword"`
	RedisDB           int               `yaml:"redisDb"`
	RedisTTL          int64             `yaml:"redisTtl"`
	LocalEntityID     *uint64           `yaml:"localEntityId"`
	Retention         int64             `yaml:"retention"`
	ProgressInterval  int64             `yaml:"progressInterval"`
	LogLevel          string            `yaml:"logLevel"`
	LogFormat         string            `yaml:"logFormat"`
	MaxFileSize       int64             `yaml:"maxFileSize"`
	NakTimeout        int64             `yaml:"nakTimeout"`
	NakLimit          *int              `yaml:"nakLimit"`
	ImmediateNak      *bool             `yaml:"immediateNak"`
	FinAckTimeout     int64             `yaml:"finAckTimeout"`
	FinAckLimit       *int              `yaml:"finAckLimit"`
	CheckAckTimeout   int64             `yaml:"checkAckTimeout"`
	CheckAckLimit     *int              `yaml:"checkAckLimit"`
	InactivityTimeout int64             `yaml:"inactivityTimeout"`
	KeepIncomplete    *bool             `yaml:"keepIncomplete"`
	FaultHandlers     map[string]string `yaml:"faultHandlers"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		SerialBaud:       9600,
		Storage:          StorageFS,
		StorageDir:       "received",
		Bucket:           "cfdp",
		StorageWorkers:   4,
		RedisAddr:        "localhost:6379",
		Retention:        time.Hour,
		JanitorInterval:  time.Minute,
		ProgressInterval: 250 * time.Millisecond,
		LogLevel:         "info",
		LogFormat:        "text",
		Transfer:         transfer.DefaultOptions(),
		FaultHandlers:    map[string]string{},
	}
}

// ParseServerConfig builds the configuration from defaults, an optional YAML
// file (-config or CFDPRX_CONFIG), CFDPRX_* environment variables and flags,
// each layer overriding the previous one.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := Defaults()

	path := os.Getenv("CFDPRX_CONFIG")
	if p, ok := configPathFromArgs(args); ok {
		path = p
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return ServerConfig{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return ServerConfig{}, err
	}

	// Flags override file and environment
	fs.String("config", path, "YAML configuration file")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP API and monitor address")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "UDP address of the QUIC datagram listener (empty disables)")
	fs.StringVar(&cfg.SerialDevice, "serial", cfg.SerialDevice, "serial device of a KISS TNC (empty disables)")
	fs.IntVar(&cfg.SerialBaud, "serial-baud", cfg.SerialBaud, "serial baud rate")
	fs.StringVar(&cfg.KISSTCPAddr, "kiss-tcp", cfg.KISSTCPAddr, "host:port of a KISS-over-TCP TNC (empty disables)")
	fs.IntVar(&cfg.KISSPort, "kiss-port", cfg.KISSPort, "KISS port number (0..15)")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "storage backend (fs, memory, redis)")
	fs.StringVar(&cfg.StorageDir, "storage-dir", cfg.StorageDir, "root directory of the fs backend")
	fs.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "bucket receiving completed files")
	fs.IntVar(&cfg.StorageWorkers, "storage-workers", cfg.StorageWorkers, "concurrent storage writes")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address of the redis backend")
	fs.Uint64Var(&cfg.LocalEntityID, "local-entity-id", cfg.LocalEntityID, "drop PDUs addressed to other entities")
	fs.DurationVar(&cfg.Retention, "retention", cfg.Retention, "how long finished transfers stay listed")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.Int64Var(&cfg.Transfer.MaxFileSize, "max-file-size", cfg.Transfer.MaxFileSize, "largest accepted file in bytes")
	fs.DurationVar(&cfg.Transfer.NakTimeout, "nak-timeout", cfg.Transfer.NakTimeout, "NAK pacing interval")
	fs.IntVar(&cfg.Transfer.NakLimit, "nak-limit", cfg.Transfer.NakLimit, "NAKs without progress before NAK_LIMIT_REACHED (negative disables)")
	fs.BoolVar(&cfg.Transfer.ImmediateNak, "immediate-nak", cfg.Transfer.ImmediateNak, "NAK as soon as a gap is detected")
	fs.DurationVar(&cfg.Transfer.FinAckTimeout, "fin-ack-timeout", cfg.Transfer.FinAckTimeout, "Finished retransmission interval")
	fs.IntVar(&cfg.Transfer.FinAckLimit, "fin-ack-limit", cfg.Transfer.FinAckLimit, "Finished retransmissions")
	fs.DurationVar(&cfg.Transfer.CheckAckTimeout, "check-timeout", cfg.Transfer.CheckAckTimeout, "unacknowledged completeness check interval")
	fs.IntVar(&cfg.Transfer.CheckAckLimit, "check-limit", cfg.Transfer.CheckAckLimit, "unacknowledged completeness checks")
	fs.DurationVar(&cfg.Transfer.InactivityTimeout, "inactivity-timeout", cfg.Transfer.InactivityTimeout, "inactivity before INACTIVITY_DETECTED")
	fs.BoolVar(&cfg.Transfer.KeepIncomplete, "keep-incomplete", cfg.Transfer.KeepIncomplete, "store partial data of failed transfers")

	handlers := make([]string, 0)
	fs.Var((*stringSlice)(&handlers), "fault-handler", "CONDITION=action (abandon, cancel, suspend), repeatable")

	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	if err := mergeHandlers(cfg.FaultHandlers, handlers); err != nil {
		return ServerConfig{}, err
	}
	cfg.FilterDestination = cfg.FilterDestination || isFlagSet(fs, "local-entity-id")

	if err := cfg.finish(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// finish validates the configuration and resolves the fault policy.
func (c *ServerConfig) finish() error {
	switch c.Storage {
	case StorageFS, StorageMemory, StorageRedis:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.KISSPort < 0 || c.KISSPort > 15 {
		return fmt.Errorf("kiss port %d out of range 0..15", c.KISSPort)
	}
	if c.StorageWorkers < 1 {
		c.StorageWorkers = 1
	}
	if c.Bucket == "" {
		return errors.New("bucket name is required")
	}
	policy, err := fault.ParsePolicy(c.FaultHandlers)
	if err != nil {
		return err
	}
	c.Transfer.FaultPolicy = policy
	c.Transfer = transfer.NormalizeOptions(c.Transfer)
	return nil
}

func loadFile(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.QUICAddr, fc.QUICAddr)
	setString(&cfg.SerialDevice, fc.SerialDevice)
	setInt(&cfg.SerialBaud, fc.SerialBaud)
	setString(&cfg.KISSTCPAddr, fc.KISSTCPAddr)
	if fc.KISSPort != nil {
		cfg.KISSPort = *fc.KISSPort
	}
	setString(&cfg.Storage, fc.Storage)
	setString(&cfg.StorageDir, fc.StorageDir)
	setString(&cfg.Bucket, fc.Bucket)
	setInt(&cfg.StorageWorkers, fc.StorageWorkers)
	setString(&cfg.RedisAddr, fc.RedisAddr)
	setString(&cfg.RedisPassword, fc.RedisPassword)
	setInt(&cfg.RedisDB, fc.RedisDB)
	setMillis(&cfg.RedisTTL, fc.RedisTTL)
	if fc.LocalEntityID != nil {
		cfg.LocalEntityID = *fc.LocalEntityID
		cfg.FilterDestination = true
	}
	setMillis(&cfg.Retention, fc.Retention)
	setMillis(&cfg.ProgressInterval, fc.ProgressInterval)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)

	t := &cfg.Transfer
	if fc.MaxFileSize > 0 {
		t.MaxFileSize = fc.MaxFileSize
	}
	setMillis(&t.NakTimeout, fc.NakTimeout)
	if fc.NakLimit != nil {
		t.NakLimit = *fc.NakLimit
	}
	if fc.ImmediateNak != nil {
		t.ImmediateNak = *fc.ImmediateNak
	}
	setMillis(&t.FinAckTimeout, fc.FinAckTimeout)
	if fc.FinAckLimit != nil {
		t.FinAckLimit = *fc.FinAckLimit
	}
	setMillis(&t.CheckAckTimeout, fc.CheckAckTimeout)
	if fc.CheckAckLimit != nil {
		t.CheckAckLimit = *fc.CheckAckLimit
	}
	setMillis(&t.InactivityTimeout, fc.InactivityTimeout)
	if fc.KeepIncomplete != nil {
		t.KeepIncomplete = *fc.KeepIncomplete
	}
	for code, action := range fc.FaultHandlers {
		cfg.FaultHandlers[code] = action
	}
	return nil
}

func applyEnv(cfg *ServerConfig) error {
	env := func(name string) (string, bool) {
		v := os.Getenv("CFDPRX_" + name)
		return v, v != ""
	}
	if v, ok := env("HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := env("QUIC_ADDR"); ok {
		cfg.QUICAddr = v
	}
	if v, ok := env("SERIAL"); ok {
		cfg.SerialDevice = v
	}
	if v, ok := env("KISS_TCP"); ok {
		cfg.KISSTCPAddr = v
	}
	if v, ok := env("STORAGE"); ok {
		cfg.Storage = v
	}
	if v, ok := env("STORAGE_DIR"); ok {
		cfg.StorageDir = v
	}
	if v, ok := env("BUCKET"); ok {
		cfg.Bucket = v
	}
	if v, ok := env("REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := env("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	if v, ok := env("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := env("LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := env("LOCAL_ENTITY_ID"); ok {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CFDPRX_LOCAL_ENTITY_ID: %w", err)
		}
		cfg.LocalEntityID = id
		cfg.FilterDestination = true
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"RETENTION", &cfg.Retention},
		{"NAK_TIMEOUT", &cfg.Transfer.NakTimeout},
		{"FIN_ACK_TIMEOUT", &cfg.Transfer.FinAckTimeout},
		{"CHECK_TIMEOUT", &cfg.Transfer.CheckAckTimeout},
		{"INACTIVITY_TIMEOUT", &cfg.Transfer.InactivityTimeout},
	}
	for _, d := range durations {
		if v, ok := env(d.name); ok {
			parsed, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("CFDPRX_%s: %w", d.name, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"SERIAL_BAUD", &cfg.SerialBaud},
		{"KISS_PORT", &cfg.KISSPort},
		{"STORAGE_WORKERS", &cfg.StorageWorkers},
		{"NAK_LIMIT", &cfg.Transfer.NakLimit},
		{"FIN_ACK_LIMIT", &cfg.Transfer.FinAckLimit},
		{"CHECK_LIMIT", &cfg.Transfer.CheckAckLimit},
	}
	for _, i := range ints {
		if v, ok := env(i.name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("CFDPRX_%s: %w", i.name, err)
			}
			*i.dst = n
		}
	}

	if v, ok := env("KEEP_INCOMPLETE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CFDPRX_KEEP_INCOMPLETE: %w", err)
		}
		cfg.Transfer.KeepIncomplete = b
	}
	if v, ok := env("IMMEDIATE_NAK"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CFDPRX_IMMEDIATE_NAK: %w", err)
		}
		cfg.Transfer.ImmediateNak = b
	}
	if v, ok := env("FAULT_HANDLERS"); ok {
		if err := mergeHandlers(cfg.FaultHandlers, strings.Split(v, ",")); err != nil {
			return fmt.Errorf("CFDPRX_FAULT_HANDLERS: %w", err)
		}
	}
	return nil
}

// parseDuration accepts Go durations ("5s") and plain milliseconds ("5000").
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func mergeHandlers(dst map[string]string, pairs []string) error {
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, action, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("fault handler %q: want CONDITION=action", pair)
		}
		dst[strings.TrimSpace(code)] = strings.TrimSpace(action)
	}
	return nil
}

// configPathFromArgs finds -config before the flag set is parsed, so the file
// can be loaded underneath the flags.
func configPathFromArgs(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v, true
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setMillis(dst *time.Duration, ms int64) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
