package media

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"video-uploader/internal/config"
)

// videoTypes maps supported extensions to their content type.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".flv":  "video/x-flv",
}

// IsVideo reports whether the file name has a supported video extension.
func IsVideo(name string) bool {
	_, ok := videoTypes[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ContentType returns the MIME type for a video file name.
func ContentType(name string) string {
	if ct, ok := videoTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Video is a file waiting in the videos directory.
type Video struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Library manages the videos directory, the uploaded directory and the
// titles file (one title per line, consumed from the top).
type Library struct {
	videosDir   string
	uploadedDir string
	titlesFile  string
	log         *zap.Logger

	mu sync.Mutex // guards the titles file
}

// NewLibrary creates missing directories and an empty titles file.
func NewLibrary(cfg config.PathsConfig, log *zap.Logger) (*Library, error) {
	for _, dir := range []string{cfg.VideosDir, cfg.UploadedDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if cfg.TitlesFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.TitlesFile), 0o755); err != nil {
			return nil, fmt.Errorf("create titles dir: %w", err)
		}
		f, err := os.OpenFile(cfg.TitlesFile, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("create titles file: %w", err)
		}
		f.Close()
	}
	return &Library{
		videosDir:   cfg.VideosDir,
		uploadedDir: cfg.UploadedDir,
		titlesFile:  cfg.TitlesFile,
		log:         log.Named("media"),
	}, nil
}

func (l *Library) VideosDir() string { return l.videosDir }

// PendingVideos lists videos in the videos directory, oldest first.
func (l *Library) PendingVideos() ([]Video, error) {
	entries, err := os.ReadDir(l.videosDir)
	if err != nil {
		return nil, fmt.Errorf("scan videos dir: %w", err)
	}
	videos := make([]Video, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsVideo(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			l.log.Warn("skip unreadable video", zap.String("name", e.Name()), zap.Error(err))
			continue
		}
		videos = append(videos, Video{
			Path:    filepath.Join(l.videosDir, e.Name()),
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(videos, func(i, j int) bool {
		if !videos[i].ModTime.Equal(videos[j].ModTime) {
			return videos[i].ModTime.Before(videos[j].ModTime)
		}
		return videos[i].Name < videos[j].Name
	})
	return videos, nil
}

// Resolve maps a bare file name to its path inside the videos directory.
func (l *Library) Resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid video name %q", name)
	}
	path := filepath.Join(l.videosDir, name)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// NextTitle returns the first non-empty line of the titles file.
func (l *Library) NextTitle() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines, err := l.readTitles()
	if err != nil {
		return "", false, err
	}
	for _, line := range lines {
		if title := strings.TrimSpace(line); title != "" {
			return title, true, nil
		}
	}
	return "", false, nil
}

// PopTitle removes and returns the first non-empty line of the titles file.
func (l *Library) PopTitle() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines, err := l.readTitles()
	if err != nil {
		return "", false, err
	}
	for i, line := range lines {
		title := strings.TrimSpace(line)
		if title == "" {
			continue
		}
		rest := append(append([]string(nil), lines[:i]...), lines[i+1:]...)
		if err := l.writeTitles(rest); err != nil {
			return "", false, err
		}
		return title, true, nil
	}
	return "", false, nil
}

// AddTitles appends non-empty titles to the end of the file.
func (l *Library) AddTitles(titles ...string) error {
	if l.titlesFile == "" {
		return errors.New("titles file is not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.titlesFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open titles file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, t := range titles {
		if t = strings.TrimSpace(t); t != "" {
			fmt.Fprintln(w, t)
		}
	}
	return w.Flush()
}

func (l *Library) readTitles() ([]string, error) {
	if l.titlesFile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(l.titlesFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read titles file: %w", err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func (l *Library) writeTitles(lines []string) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	tmp := l.titlesFile + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write titles file: %w", err)
	}
	return os.Rename(tmp, l.titlesFile)
}

// MoveToUploaded moves a video into the uploaded directory. When the name is
// taken a _YYYYmmdd_HHMMSS suffix is added before the extension.
func (l *Library) MoveToUploaded(path string, now time.Time) (string, error) {
	if l.uploadedDir == "" {
		return "", errors.New("uploaded dir is not configured")
	}
	name := filepath.Base(path)
	dest := filepath.Join(l.uploadedDir, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		dest = filepath.Join(l.uploadedDir, strings.TrimSuffix(name, ext)+now.Format("_20060102_150405")+ext)
	}
	if err := os.Rename(path, dest); err != nil {
		// Rename fails across filesystems; fall back to copy and remove.
		if cerr := copyFile(path, dest); cerr != nil {
			return "", fmt.Errorf("move %s: %w", name, errors.Join(err, cerr))
		}
		if rerr := os.Remove(path); rerr != nil {
			return "", fmt.Errorf("remove %s after copy: %w", name, rerr)
		}
	}
	l.log.Info("moved video to uploaded", zap.String("from", path), zap.String("to", dest))
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
