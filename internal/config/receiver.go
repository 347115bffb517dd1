// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort é a porta padrão do receiver.
const DefaultPort = 9847

// ReceiverConfig representa a configuração completa do modo receive.
type ReceiverConfig struct {
	Receiver      ReceiverListen `yaml:"receiver"`
	TLS           TLSServer      `yaml:"tls"`
	Logging       LoggingInfo    `yaml:"logging"`
	SessionLogDir string         `yaml:"session_log_dir"`
	Monitor       MonitorConfig  `yaml:"monitor"`
	Snapshot      SnapshotConfig `yaml:"snapshot"`
	Status        StatusConfig   `yaml:"status"`
}

// ReceiverListen contém a porta de escuta e o diretório de saída.
type ReceiverListen struct {
	Port      int    `yaml:"port"`
	OutputDir string `yaml:"output_dir"`
}

// TLSServer contém os caminhos dos certificados do receiver (wss://).
// Opcional: vazio serve ws:// puro. CACert habilita verificação de
// certificado de cliente (mTLS).
type TLSServer struct {
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
	CACert     string `yaml:"ca_cert"`
}

// MonitorConfig configura o monitor de sistema do receiver.
type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`          // default: 30s
	WarnDiskPercent float64       `yaml:"warn_disk_percent"` // default: 90
}

// SnapshotConfig configura o snapshot pós-sessão do diretório de saída.
type SnapshotConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Dir          string   `yaml:"dir"`
	Compression  string   `yaml:"compression"`   // gzip|zst (default: gzip)
	MaxSnapshots int      `yaml:"max_snapshots"` // default: 5
	S3           S3Config `yaml:"s3"`
}

// S3Config configura o upload offsite de snapshots.
// Bucket vazio desabilita o upload. AccessKey/SecretKey vazios usam a
// credential chain padrão do SDK.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// FileExtension retorna a extensão de arquivo para snapshots desta config.
func (s SnapshotConfig) FileExtension() string {
	switch s.Compression {
	case "zst":
		return ".tar.zst"
	default:
		return ".tar.gz"
	}
}

// StatusConfig configura o endpoint HTTP de observabilidade.
type StatusConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Listen         string        `yaml:"listen"`           // default: "127.0.0.1:9848"
	AllowOrigins   []string      `yaml:"allow_origins"`    // IP ou CIDR (deny-by-default)
	EventsFile     string        `yaml:"events_file"`      // default: "events.jsonl"
	EventsMaxLines int           `yaml:"events_max_lines"` // default: 10000
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // default: 5s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // default: 15s

	// ParsedCIDRs é preenchido por Validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// DefaultReceiverConfig retorna uma configuração de receiver com defaults,
// para execução sem arquivo de configuração.
func DefaultReceiverConfig() *ReceiverConfig {
	cfg := &ReceiverConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadReceiverConfig lê e valida o arquivo YAML de configuração do receiver.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	cfg, err := ParseReceiverConfig(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating receiver config: %w", err)
	}

	return cfg, nil
}

// ParseReceiverConfig lê o YAML sem validar — o cmd aplica overrides de
// flags antes de chamar Validate.
func ParseReceiverConfig(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receiver config: %w", err)
	}

	var cfg ReceiverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing receiver config: %w", err)
	}
	return &cfg, nil
}

// Validate aplica defaults e rejeita valores inválidos.
// Exportado porque o cmd revalida após aplicar overrides de flags.
func (c *ReceiverConfig) Validate() error {
	if c.Receiver.OutputDir == "" {
		return fmt.Errorf("receiver.output_dir is required")
	}

	c.applyDefaults()

	if c.Receiver.Port < 1 || c.Receiver.Port > 65535 {
		return fmt.Errorf("receiver.port must be between 1 and 65535, got %d", c.Receiver.Port)
	}

	// TLS exige cert e key juntos
	if (c.TLS.ServerCert == "") != (c.TLS.ServerKey == "") {
		return fmt.Errorf("tls.server_cert and tls.server_key must be set together")
	}
	if c.TLS.CACert != "" && c.TLS.ServerCert == "" {
		return fmt.Errorf("tls.ca_cert requires tls.server_cert and tls.server_key")
	}

	if c.Monitor.WarnDiskPercent < 0 || c.Monitor.WarnDiskPercent > 100 {
		return fmt.Errorf("monitor.warn_disk_percent must be between 0 and 100, got %.1f", c.Monitor.WarnDiskPercent)
	}

	if c.Snapshot.Enabled {
		if c.Snapshot.Dir == "" {
			return fmt.Errorf("snapshot.dir is required when snapshot is enabled")
		}
		c.Snapshot.Compression = strings.ToLower(strings.TrimSpace(c.Snapshot.Compression))
		if c.Snapshot.Compression == "" {
			c.Snapshot.Compression = "gzip"
		}
		if c.Snapshot.Compression != "gzip" && c.Snapshot.Compression != "zst" {
			return fmt.Errorf("snapshot.compression must be gzip or zst, got %q", c.Snapshot.Compression)
		}
		if c.Snapshot.MaxSnapshots <= 0 {
			c.Snapshot.MaxSnapshots = 5
		}
		if c.Snapshot.S3.Bucket != "" {
			if c.Snapshot.S3.Region == "" && c.Snapshot.S3.Endpoint == "" {
				return fmt.Errorf("snapshot.s3.region is required when snapshot.s3.bucket is set")
			}
			if (c.Snapshot.S3.AccessKey == "") != (c.Snapshot.S3.SecretKey == "") {
				return fmt.Errorf("snapshot.s3.access_key and snapshot.s3.secret_key must be set together")
			}
		}
	}

	if c.Status.Enabled {
		if len(c.Status.AllowOrigins) == 0 {
			return fmt.Errorf("status.allow_origins is required when status is enabled (deny-by-default)")
		}
		for _, origin := range c.Status.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				// Tenta como IP único → converte para /32 ou /128
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("status.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Status.ParsedCIDRs = append(c.Status.ParsedCIDRs, cidr)
		}
	}

	return nil
}

func (c *ReceiverConfig) applyDefaults() {
	if c.Receiver.Port == 0 {
		c.Receiver.Port = DefaultPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 30 * time.Second
	}
	if c.Monitor.WarnDiskPercent == 0 {
		c.Monitor.WarnDiskPercent = 90
	}
	if c.Status.Enabled {
		if c.Status.Listen == "" {
			c.Status.Listen = "127.0.0.1:9848"
		}
		if c.Status.EventsFile == "" {
			c.Status.EventsFile = "events.jsonl"
		}
		if c.Status.EventsMaxLines <= 0 {
			c.Status.EventsMaxLines = 10000
		}
		if c.Status.ReadTimeout <= 0 {
			c.Status.ReadTimeout = 5 * time.Second
		}
		if c.Status.WriteTimeout <= 0 {
			c.Status.WriteTimeout = 15 * time.Second
		}
	}
}
