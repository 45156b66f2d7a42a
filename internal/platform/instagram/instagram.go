// Package instagram registers the Instagram platform. Browser automation for
// Instagram is not available yet, so authentication always fails and tasks
// submitted for it end FAILED instead of retrying.
package instagram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"video-uploader/internal/config"
	"video-uploader/internal/models"
	"video-uploader/internal/platform"
)

const maxFileSize = 100 << 20

var ErrNotImplemented = errors.New("instagram upload automation is not implemented")

type Uploader struct {
	cfg config.InstagramConfig
	log *zap.Logger
}

func New(cfg config.InstagramConfig, log *zap.Logger) *Uploader {
	return &Uploader{cfg: cfg, log: log.Named("instagram")}
}

func (u *Uploader) Authenticate(context.Context) error {
	u.log.Warn("instagram authentication requested", zap.String("cookies_path", u.cfg.CookiesPath))
	return ErrNotImplemented
}

// Validate accepts MP4 files up to 100 MB.
func (u *Uploader) Validate(videoPath string) error {
	info, err := os.Stat(videoPath)
	if err != nil {
		return err
	}
	if ext := strings.ToLower(filepath.Ext(videoPath)); ext != ".mp4" {
		return fmt.Errorf("unsupported format %q, instagram requires .mp4", ext)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("video is %d MB, instagram accepts up to %d MB", info.Size()>>20, maxFileSize>>20)
	}
	return nil
}

func (u *Uploader) Upload(context.Context, models.Task) platform.Result {
	return platform.Permanent("%v", ErrNotImplemented)
}
