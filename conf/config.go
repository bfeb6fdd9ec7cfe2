package conf

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Cfg carries the boot-time knobs of the kernel core.
type Cfg struct {
	NCPU      int
	NBuf      int
	NBucket   int
	BlockSize int
	PageSize  int
	MemPages  int
	DataDir   string
	LogLevel  string
}

// Default returns the configuration used when no file is present.
func Default() *Cfg {
	return &Cfg{
		NCPU:      8,
		NBuf:      30,
		NBucket:   13,
		BlockSize: 1024,
		PageSize:  4096,
		MemPages:  1024,
		DataDir:   "data",
		LogLevel:  "info",
	}
}

// Load reads the [kernel] section of an ini file, falling back to
// defaults for missing keys. A missing file yields the defaults; a
// malformed file is an error.
func Load(path string) (*Cfg, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	sec := f.Section("kernel")
	cfg.NCPU = sec.Key("ncpu").MustInt(cfg.NCPU)
	cfg.NBuf = sec.Key("nbuf").MustInt(cfg.NBuf)
	cfg.NBucket = sec.Key("nbucket").MustInt(cfg.NBucket)
	cfg.BlockSize = sec.Key("block_size").MustInt(cfg.BlockSize)
	cfg.PageSize = sec.Key("page_size").MustInt(cfg.PageSize)
	cfg.MemPages = sec.Key("mem_pages").MustInt(cfg.MemPages)
	cfg.DataDir = sec.Key("data_dir").MustString(cfg.DataDir)
	cfg.LogLevel = sec.Key("log_level").MustString(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects geometry the core cannot run with.
func (c *Cfg) Validate() error {
	switch {
	case c.NCPU < 1:
		return fmt.Errorf("ncpu must be positive, got %d", c.NCPU)
	case c.NBuf < 1:
		return fmt.Errorf("nbuf must be positive, got %d", c.NBuf)
	case c.NBucket < 1:
		return fmt.Errorf("nbucket must be positive, got %d", c.NBucket)
	case c.BlockSize < 1:
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	case c.MemPages < 1:
		return fmt.Errorf("mem_pages must be positive, got %d", c.MemPages)
	}
	return nil
}
