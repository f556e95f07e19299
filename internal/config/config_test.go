package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sheerbytes/cfdprx/internal/fault"
	"github.com/sheerbytes/cfdprx/pkg/pdu"
)

func parse(t *testing.T, args ...string) ServerConfig {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseServerConfigWithFlagSet(fs, args)
	if err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfdprx.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseServerConfig_Defaults(t *testing.T) {
	os.Clearenv()

	cfg := parse(t)
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected HTTPAddr to be :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("expected info/text logging, got %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Storage != StorageFS || cfg.Bucket != "cfdp" {
		t.Errorf("expected fs storage in bucket cfdp, got %s/%s", cfg.Storage, cfg.Bucket)
	}
	if cfg.QUICAddr != "" || cfg.SerialDevice != "" || cfg.KISSTCPAddr != "" {
		t.Errorf("links must be disabled by default: %+v", cfg)
	}
	if cfg.FilterDestination {
		t.Errorf("destination filter enabled by default")
	}
	tr := cfg.Transfer
	if tr.NakTimeout != 5*time.Second || tr.NakLimit != -1 || !tr.ImmediateNak {
		t.Errorf("unexpected NAK defaults: %+v", tr)
	}
	if tr.FinAckTimeout != 10*time.Second || tr.FinAckLimit != 5 || tr.CheckAckLimit != 5 {
		t.Errorf("unexpected retry defaults: %+v", tr)
	}
	if tr.MaxFileSize != 100<<20 || tr.InactivityTimeout != 10*time.Second {
		t.Errorf("unexpected size/inactivity defaults: %+v", tr)
	}
	if got := tr.FaultPolicy.Action(pdu.FileChecksumFailure); got != fault.Abandon {
		t.Errorf("expected default abandon, got %s", got)
	}
}

func TestParseServerConfig_Flags(t *testing.T) {
	os.Clearenv()

	cfg := parse(t,
		"-http-addr", ":9090",
		"-quic-addr", ":4433",
		"-log-level", "debug",
		"-nak-timeout", "2s",
		"-nak-limit", "3",
		"-immediate-nak=false",
		"-keep-incomplete",
		"-local-entity-id", "20",
		"-fault-handler", "FILE_CHECKSUM_FAILURE=cancel",
		"-fault-handler", "INACTIVITY_DETECTED=suspend",
	)
	if cfg.HTTPAddr != ":9090" || cfg.QUICAddr != ":4433" || cfg.LogLevel != "debug" {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Transfer.NakTimeout != 2*time.Second || cfg.Transfer.NakLimit != 3 || cfg.Transfer.ImmediateNak {
		t.Errorf("transfer flags not applied: %+v", cfg.Transfer)
	}
	if !cfg.Transfer.KeepIncomplete {
		t.Errorf("expected KeepIncomplete")
	}
	if !cfg.FilterDestination || cfg.LocalEntityID != 20 {
		t.Errorf("expected destination filter for 20, got %v %d", cfg.FilterDestination, cfg.LocalEntityID)
	}
	if got := cfg.Transfer.FaultPolicy.Action(pdu.FileChecksumFailure); got != fault.Cancel {
		t.Errorf("FILE_CHECKSUM_FAILURE = %s, want cancel", got)
	}
	if got := cfg.Transfer.FaultPolicy.Action(pdu.InactivityDetected); got != fault.Suspend {
		t.Errorf("INACTIVITY_DETECTED = %s, want suspend", got)
	}
}

func TestParseServerConfig_EnvFallback(t *testing.T) {
	os.Clearenv()

	os.Setenv("CFDPRX_HTTP_ADDR", ":7070")
	os.Setenv("CFDPRX_LOG_LEVEL", "warn")
	os.Setenv("CFDPRX_NAK_TIMEOUT", "1500")
	os.Setenv("CFDPRX_FIN_ACK_TIMEOUT", "3s")
	os.Setenv("CFDPRX_STORAGE", "memory")
	os.Setenv("CFDPRX_FAULT_HANDLERS", "NAK_LIMIT_REACHED=cancel, FILE_SIZE_ERROR=suspend")
	defer os.Clearenv()

	cfg := parse(t)
	if cfg.HTTPAddr != ":7070" || cfg.LogLevel != "warn" || cfg.Storage != StorageMemory {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Transfer.NakTimeout != 1500*time.Millisecond {
		t.Errorf("NakTimeout = %s, want 1.5s", cfg.Transfer.NakTimeout)
	}
	if cfg.Transfer.FinAckTimeout != 3*time.Second {
		t.Errorf("FinAckTimeout = %s, want 3s", cfg.Transfer.FinAckTimeout)
	}
	if got := cfg.Transfer.FaultPolicy.Action(pdu.FileSizeError); got != fault.Suspend {
		t.Errorf("FILE_SIZE_ERROR = %s, want suspend", got)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	os.Clearenv()

	os.Setenv("CFDPRX_HTTP_ADDR", ":7070")
	os.Setenv("CFDPRX_LOG_LEVEL", "warn")
	defer os.Clearenv()

	cfg := parse(t, "-http-addr", ":9090", "-log-level", "error")
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("expected HTTPAddr to be :9090 (from flag), got %s", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("expected LogLevel to be error (from flag), got %s", cfg.LogLevel)
	}
}

func TestParseServerConfig_File(t *testing.T) {
	os.Clearenv()

	path := writeConfig(t, `
httpAddr: ":6060"
storage: redis
redisAddr: "redis:6379"
localEntityId: 0
nakTimeout: 2500
nakLimit: 0
immediateNak: false
finAckLimit: 0
keepIncomplete: true
faultHandlers:
  CHECK_LIMIT_REACHED: cancel
`)
	cfg := parse(t, "-config", path)
	if cfg.HTTPAddr != ":6060" || cfg.Storage != StorageRedis || cfg.RedisAddr != "redis:6379" {
		t.Errorf("file not applied: %+v", cfg)
	}
	if !cfg.FilterDestination || cfg.LocalEntityID != 0 {
		t.Errorf("explicit entity id 0 must enable the filter")
	}
	tr := cfg.Transfer
	if tr.NakTimeout != 2500*time.Millisecond || tr.NakLimit != 0 || tr.ImmediateNak || tr.FinAckLimit != 0 || !tr.KeepIncomplete {
		t.Errorf("transfer options not applied: %+v", tr)
	}
	if got := tr.FaultPolicy.Action(pdu.CheckLimitReached); got != fault.Cancel {
		t.Errorf("CHECK_LIMIT_REACHED = %s, want cancel", got)
	}
}

func TestParseServerConfig_LayerOrder(t *testing.T) {
	os.Clearenv()

	path := writeConfig(t, "httpAddr: \":1111\"\nbucket: files\nlogLevel: debug\n")
	os.Setenv("CFDPRX_CONFIG", path)
	os.Setenv("CFDPRX_HTTP_ADDR", ":2222")
	defer os.Clearenv()

	cfg := parse(t, "-log-level", "error")
	if cfg.Bucket != "files" {
		t.Errorf("file value lost: bucket=%s", cfg.Bucket)
	}
	if cfg.HTTPAddr != ":2222" {
		t.Errorf("env must override file: %s", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("flag must override file: %s", cfg.LogLevel)
	}
}

func TestParseServerConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{"unknown storage", nil, []string{"-storage", "s3"}, "storage backend"},
		{"unknown log format", nil, []string{"-log-format", "xml"}, "log format"},
		{"kiss port", nil, []string{"-kiss-port", "16"}, "kiss port"},
		{"bad fault action", nil, []string{"-fault-handler", "FILE_SIZE_ERROR=explode"}, "FILE_SIZE_ERROR"},
		{"bad fault pair", nil, []string{"-fault-handler", "FILE_SIZE_ERROR"}, "CONDITION=action"},
		{"bad env duration", map[string]string{"CFDPRX_NAK_TIMEOUT": "soon"}, nil, "CFDPRX_NAK_TIMEOUT"},
		{"missing file", map[string]string{"CFDPRX_CONFIG": "/nonexistent/cfdprx.yaml"}, nil, "read config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.env {
				os.Setenv(k, v)
			}
			defer os.Clearenv()

			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			fs.SetOutput(&strings.Builder{})
			_, err := parseServerConfigWithFlagSet(fs, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestConfigPathFromArgs(t *testing.T) {
	tests := []struct {
		args []string
		want string
		ok   bool
	}{
		{[]string{"-config", "a.yaml"}, "a.yaml", true},
		{[]string{"--config=b.yaml", "-log-level", "debug"}, "b.yaml", true},
		{[]string{"-log-level", "debug"}, "", false},
		{[]string{"--", "-config", "c.yaml"}, "", false},
	}
	for _, tt := range tests {
		got, ok := configPathFromArgs(tt.args)
		if got != tt.want || ok != tt.ok {
			t.Errorf("configPathFromArgs(%v) = %q,%v want %q,%v", tt.args, got, ok, tt.want, tt.ok)
		}
	}
}
