// Package tiktok drives the TikTok Studio upload page through a Chromium
// instance controlled by go-rod. The session is seeded from exported cookies.
package tiktok

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"video-uploader/internal/config"
	"video-uploader/internal/models"
	"video-uploader/internal/platform"
)

const (
	homeURL         = "https://www.tiktok.com/"
	maxCaptionRunes = 2200
	maxFileSize     = 4 << 30
)

var supportedExt = map[string]bool{".mp4": true, ".mov": true, ".avi": true, ".webm": true}

const (
	profileSelector = `[data-e2e="nav-profile"], span[class*="avatar"]`
	fileSelector    = `input[type="file"]`
	captionSelector = `div[contenteditable="true"]`
	postButtonText  = `^\s*(Post|Publish|Опубликовать)\s*$`
	doneText        = `(Your video is being processed|Video uploaded|Manage your posts|Ваше видео обрабатывается|Видео загружено)`
)

// Cookie is one entry of the exported cookie file.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
}

// LoadCookies reads a JSON array of cookies as exported by common browser extensions.
func LoadCookies(path string) ([]*proto.NetworkCookieParam, error) {
	if path == "" {
		return nil, errors.New("tiktok cookies_path is not configured")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	var cookies []Cookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return nil, fmt.Errorf("parse cookies %s: %w", path, err)
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("cookies file %s is empty", path)
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = ".tiktok.com"
		}
		cookiePath := c.Path
		if cookiePath == "" {
			cookiePath = "/"
		}
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     cookiePath,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  proto.TimeSinceEpoch(c.Expires),
		})
	}
	return params, nil
}

// Uploader implements platform.Uploader for TikTok.
type Uploader struct {
	cfg config.TikTokConfig
	log *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

func New(cfg config.TikTokConfig, log *zap.Logger) *Uploader {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 90 * time.Second
	}
	return &Uploader{cfg: cfg, log: log.Named("tiktok")}
}

// Authenticate starts (or restarts) the browser and installs the session cookies.
func (u *Uploader) Authenticate(ctx context.Context) error {
	cookies, err := LoadCookies(u.cfg.CookiesPath)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.browser != nil {
		_ = u.browser.Close()
		u.browser = nil
	}

	l := launcher.New().Headless(u.cfg.Headless)
	if u.cfg.Proxy != "" {
		l = l.Proxy(u.cfg.Proxy)
	}
	if u.cfg.BrowserPath != "" {
		l = l.Bin(u.cfg.BrowserPath)
	}
	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	if err := browser.SetCookies(cookies); err != nil {
		_ = browser.Close()
		return fmt.Errorf("set cookies: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: homeURL})
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("open home page: %w", err)
	}
	defer page.Close()

	// A missing avatar usually means expired cookies, but the page layout
	// changes often enough that we only warn here.
	if _, err := page.Context(ctx).Timeout(u.cfg.StepTimeout).Element(profileSelector); err != nil {
		u.log.Warn("could not confirm tiktok login, continuing", zap.Error(err))
	}

	u.browser = browser
	u.log.Info("tiktok session ready", zap.Int("cookies", len(cookies)))
	return nil
}

// Validate checks the local file against TikTok's format and size limits.
func (u *Uploader) Validate(videoPath string) error {
	info, err := os.Stat(videoPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", videoPath)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("video is %d MB, tiktok accepts up to %d MB", info.Size()>>20, maxFileSize>>20)
	}
	ext := strings.ToLower(filepath.Ext(videoPath))
	if !supportedExt[ext] {
		return fmt.Errorf("unsupported format %q", ext)
	}
	return nil
}

// Caption joins title, description and hashtags the way the upload form expects.
func Caption(task models.Task) string {
	parts := []string{task.Title}
	if task.Description != "" {
		parts = append(parts, task.Description)
	}
	if len(task.Tags) > 0 {
		tags := make([]string, 0, len(task.Tags))
		for _, tag := range task.Tags {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			if !strings.HasPrefix(tag, "#") {
				tag = "#" + tag
			}
			tags = append(tags, tag)
		}
		if len(tags) > 0 {
			parts = append(parts, strings.Join(tags, " "))
		}
	}
	return strings.Join(parts, "\n")
}

func (u *Uploader) Upload(ctx context.Context, task models.Task) platform.Result {
	if err := u.Validate(task.VideoPath); err != nil {
		return platform.Permanent("invalid video: %v", err)
	}
	caption := Caption(task)
	if n := len([]rune(caption)); n > maxCaptionRunes {
		return platform.Permanent("caption is %d characters, limit is %d", n, maxCaptionRunes)
	}
	absPath, err := filepath.Abs(task.VideoPath)
	if err != nil {
		return platform.Permanent("resolve path: %v", err)
	}

	u.mu.Lock()
	browser := u.browser
	u.mu.Unlock()
	if browser == nil {
		return platform.Transient("browser session is not started")
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: u.cfg.UploadURL})
	if err != nil {
		return platform.Transient("open upload page: %v", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	log := u.log.With(zap.String("task_id", task.ID))

	input, err := u.step(page).Element(fileSelector)
	if err != nil {
		return platform.Transient("file input not found: %v", err)
	}
	if err := input.SetFiles([]string{absPath}); err != nil {
		return platform.Transient("attach video: %v", err)
	}
	log.Debug("video attached", zap.String("path", absPath))

	editor, err := u.step(page).Element(captionSelector)
	if err != nil {
		return platform.Transient("caption editor not found: %v", err)
	}
	if err := editor.SelectAllText(); err != nil {
		log.Debug("select caption text", zap.Error(err))
	}
	if err := editor.Input(caption); err != nil {
		return platform.Transient("type caption: %v", err)
	}

	button, err := u.step(page).ElementR("button", postButtonText)
	if err != nil {
		return platform.Transient("post button not found: %v", err)
	}
	if err := button.WaitEnabled(); err != nil {
		return platform.Transient("post button never enabled: %v", err)
	}
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return platform.Transient("click post: %v", err)
	}

	if _, err := u.step(page).ElementR("div, span", doneText); err != nil {
		return platform.Transient("upload not confirmed: %v", err)
	}

	remoteID := ""
	if info, err := page.Info(); err == nil && info.URL != u.cfg.UploadURL {
		remoteID = info.URL
	}
	log.Info("tiktok upload confirmed", zap.String("remote_id", remoteID))
	return platform.Success(remoteID)
}

func (u *Uploader) step(page *rod.Page) *rod.Page {
	return page.Timeout(u.cfg.StepTimeout)
}

// Close shuts the browser down.
func (u *Uploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.browser == nil {
		return nil
	}
	err := u.browser.Close()
	u.browser = nil
	return err
}
