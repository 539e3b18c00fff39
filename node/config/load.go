package config

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// EnvPrefix prefixes environment overrides, e.g. PAYCH_CHAIN_ENDPOINT.
const EnvPrefix = "PAYCH"

// FromFile loads config from a specified file overriding defaults specified in
// the def parameter. If file does not exist or is empty defaults are assumed.
// Environment variables are applied on top of the file.
func FromFile(path string, def *Receiver) (*Receiver, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		cfg := *def
		return FromEnv(&cfg)
	case err != nil:
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	cfg, err := FromReader(file, def)
	if err != nil {
		return nil, xerrors.Errorf("reading config %s: %w", path, err)
	}
	return FromEnv(cfg)
}

// FromReader loads config from a reader instance.
func FromReader(reader io.Reader, def *Receiver) (*Receiver, error) {
	cfg := *def
	if _, err := toml.NewDecoder(reader).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv applies PAYCH_* environment overrides to cfg.
func FromEnv(cfg *Receiver) (*Receiver, error) {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, xerrors.Errorf("processing environment: %w", err)
	}
	return cfg, nil
}

// ConfigComment encodes cfg as TOML, commenting every line out so the
// defaults stay visible without being pinned.
func ConfigComment(cfg *Receiver) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, _ = buf.WriteString("# Default config:\n")
	e := toml.NewEncoder(buf)
	if err := e.Encode(cfg); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	b := buf.Bytes()
	b = bytes.ReplaceAll(b, []byte("\n"), []byte("\n#"))
	b = bytes.ReplaceAll(b, []byte("#["), []byte("["))
	return b, nil
}

// ExpandPath resolves a leading ~ in a configured path.
func ExpandPath(p string) (string, error) {
	return homedir.Expand(p)
}
