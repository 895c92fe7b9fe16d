package credstore

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// FlagFile 把快速登录标记存为一个很小的 YAML 文件，不加密。
type FlagFile struct {
	mu   sync.Mutex
	path string
}

type flagDoc struct {
	LoggedIn bool `yaml:"loggedIn"`
}

func NewFlagFile(path string) *FlagFile { return &FlagFile{path: path} }

// LoggedIn 读取失败一律视为未登录。
func (f *FlagFile) LoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", f.path).Msg("read login flag")
		}
		return false
	}
	var doc flagDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("parse login flag")
		return false
	}
	return doc.LoggedIn
}

func (f *FlagFile) SetLoggedIn(v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := yaml.Marshal(flagDoc{LoggedIn: v})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}
