package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"reportflow/internal/domain"
)

// FileSystemChannel writes the artifact into a local directory. With
// overwrite disabled an existing file is treated as already delivered,
// which keeps retries idempotent.
type FileSystemChannel struct{}

func (FileSystemChannel) Kind() domain.DistributionType { return domain.DistFileSystem }

func (FileSystemChannel) Send(_ context.Context, art Artifact, rawConfig json.RawMessage, _ map[string]string) error {
	var cfg FileSystemConfig
	if err := strictUnmarshal(rawConfig, &cfg); err != nil {
		return err
	}
	if cfg.Directory == "" {
		return domain.Configf("filesystem: no directory")
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return domain.Transientf("filesystem: mkdir %s: %v", cfg.Directory, err)
	}

	dest := filepath.Join(cfg.Directory, art.Filename)
	if !cfg.Overwrite {
		if _, err := os.Stat(dest); err == nil {
			log.Debug().Str("path", dest).Msg("artifact already present, skipping write")
			return nil
		}
	}

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, art.Data, 0o644); err != nil {
		return domain.Transientf("filesystem: write %s: %v", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return domain.Transientf("filesystem: rename %s: %v", dest, err)
	}
	return nil
}
