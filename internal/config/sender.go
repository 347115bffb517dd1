// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mirror License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do nmirror.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultChunkSize é o tamanho padrão de cada chunk (64KB).
const DefaultChunkSize = 64 * 1024

// DefaultMaxConcurrentFiles é o número padrão de arquivos lidos em paralelo.
const DefaultMaxConcurrentFiles = 8

// DefaultQueueCapacity é a capacidade padrão do canal de saída do sender.
const DefaultQueueCapacity = 32

// SenderConfig representa a configuração completa do modo send.
type SenderConfig struct {
	Sender   SenderInfo   `yaml:"sender"`
	Server   ServerAddr   `yaml:"server"`
	Source   SourceInfo   `yaml:"source"`
	Transfer TransferInfo `yaml:"transfer"`
	Daemon   DaemonInfo   `yaml:"daemon"`
	Retry    RetryInfo    `yaml:"retry"`
	TLS      TLSClient    `yaml:"tls"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// SenderInfo identifica o sender.
type SenderInfo struct {
	Name string `yaml:"name"`
}

// ServerAddr contém a URL WebSocket do receiver (ws:// ou wss://).
type ServerAddr struct {
	URL string `yaml:"url"`
}

// SourceInfo representa o diretório de origem do espelhamento.
type SourceInfo struct {
	Path    string   `yaml:"path"`
	Exclude []string `yaml:"exclude"`
}

// TransferInfo contém os parâmetros do pipeline de streaming.
type TransferInfo struct {
	ChunkSize          string        `yaml:"chunk_size"`            // ex: "64kb" (default)
	ChunkSizeRaw       int64         `yaml:"-"`                     // valor parseado em bytes
	MaxConcurrentFiles int           `yaml:"max_concurrent_files"`  // default: 8
	QueueCapacity      int           `yaml:"queue_capacity"`        // default: 32
	RateLimit          string        `yaml:"rate_limit"`            // bytes/s, ex: "10mb"; vazio = ilimitado
	RateLimitRaw       int64         `yaml:"-"`                     // valor parseado em bytes/s
	Compression        string        `yaml:"compression"`           // none|zstd (default: none)
	AckWait            time.Duration `yaml:"ack_wait"`              // default: 30s
}

// DaemonInfo contém a cron expression do scheduler (modo --daemon).
type DaemonInfo struct {
	Schedule string `yaml:"schedule"`
}

// RetryInfo contém configurações de retry com exponential backoff.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// TLSClient contém os caminhos dos certificados para wss://.
// Todos opcionais: CACert sozinho valida o server; cert+key habilitam mTLS.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DefaultSenderConfig retorna uma configuração de sender com os defaults
// preenchidos, para execução só com flags (sem arquivo de configuração).
// Os campos obrigatórios (server.url, source.path) continuam vazios e
// são verificados por Validate após os overrides de flags.
func DefaultSenderConfig() *SenderConfig {
	cfg := &SenderConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadSenderConfig lê e valida o arquivo YAML de configuração do sender.
func LoadSenderConfig(path string) (*SenderConfig, error) {
	cfg, err := ParseSenderConfig(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating sender config: %w", err)
	}

	return cfg, nil
}

// ParseSenderConfig lê o YAML sem validar — o cmd aplica overrides de
// flags antes de chamar Validate.
func ParseSenderConfig(path string) (*SenderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sender config: %w", err)
	}

	var cfg SenderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing sender config: %w", err)
	}
	return &cfg, nil
}

// Validate aplica defaults e rejeita valores inválidos.
// Exportado porque o cmd revalida após aplicar overrides de flags.
func (c *SenderConfig) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must start with ws:// or wss://, got %q", c.Server.URL)
	}
	if c.Source.Path == "" {
		return fmt.Errorf("source.path is required")
	}

	c.applyDefaults()

	parsed, err := ParseByteSize(c.Transfer.ChunkSize)
	if err != nil {
		return fmt.Errorf("transfer.chunk_size: %w", err)
	}
	if parsed < 4*1024 {
		return fmt.Errorf("transfer.chunk_size must be at least 4kb, got %s", c.Transfer.ChunkSize)
	}
	if parsed > 16*1024*1024 {
		return fmt.Errorf("transfer.chunk_size must be at most 16mb, got %s", c.Transfer.ChunkSize)
	}
	c.Transfer.ChunkSizeRaw = parsed

	if c.Transfer.RateLimit != "" {
		limit, err := ParseByteSize(c.Transfer.RateLimit)
		if err != nil {
			return fmt.Errorf("transfer.rate_limit: %w", err)
		}
		if limit <= 0 {
			return fmt.Errorf("transfer.rate_limit must be > 0, got %s", c.Transfer.RateLimit)
		}
		c.Transfer.RateLimitRaw = limit
	}

	c.Transfer.Compression = strings.ToLower(strings.TrimSpace(c.Transfer.Compression))
	if c.Transfer.Compression == "none" {
		c.Transfer.Compression = ""
	}
	if c.Transfer.Compression != "" && c.Transfer.Compression != "zstd" {
		return fmt.Errorf("transfer.compression must be none or zstd, got %q", c.Transfer.Compression)
	}

	if c.Transfer.MaxConcurrentFiles < 1 || c.Transfer.MaxConcurrentFiles > 64 {
		return fmt.Errorf("transfer.max_concurrent_files must be between 1 and 64, got %d", c.Transfer.MaxConcurrentFiles)
	}
	if c.Transfer.QueueCapacity < 1 {
		return fmt.Errorf("transfer.queue_capacity must be >= 1, got %d", c.Transfer.QueueCapacity)
	}

	// mTLS exige cert e key juntos
	if (c.TLS.ClientCert == "") != (c.TLS.ClientKey == "") {
		return fmt.Errorf("tls.client_cert and tls.client_key must be set together")
	}

	return nil
}

func (c *SenderConfig) applyDefaults() {
	if c.Sender.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "nmirror-sender"
		}
		c.Sender.Name = host
	}
	if c.Transfer.ChunkSize == "" {
		c.Transfer.ChunkSize = "64kb"
	}
	if c.Transfer.MaxConcurrentFiles == 0 {
		c.Transfer.MaxConcurrentFiles = DefaultMaxConcurrentFiles
	}
	if c.Transfer.QueueCapacity == 0 {
		c.Transfer.QueueCapacity = DefaultQueueCapacity
	}
	if c.Transfer.AckWait <= 0 {
		c.Transfer.AckWait = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Transfer.ChunkSizeRaw == 0 {
		c.Transfer.ChunkSizeRaw = DefaultChunkSize
	}
}
