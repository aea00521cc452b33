package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
)

const (
	// photoMaxBytes caps downloads at the Bot API file limit.
	photoMaxBytes int64 = 20 * 1024 * 1024

	// photoMaxDim is the longest edge after downscaling for vision input.
	photoMaxDim = 2048

	downloadMaxRetries = 3
)

// downloadPhoto fetches one photo and downscales it for vision input.
// Returns the local path, or "" when the download fails (caption-only flow).
func (c *Channel) downloadPhoto(ctx context.Context, photo telego.PhotoSize) string {
	raw, err := c.downloadFile(ctx, photo.FileID)
	if err != nil {
		slog.Warn("telegram.photo_download_failed", "file_id", photo.FileID, "error", err)
		return ""
	}

	sanitized, err := sanitizeImage(raw)
	if err != nil {
		slog.Warn("telegram.photo_sanitize_failed", "error", err)
		return raw
	}
	if sanitized != raw {
		os.Remove(raw)
	}
	return sanitized
}

func (c *Channel) downloadFile(ctx context.Context, fileID string) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for %s", fileID)
	}
	if int64(file.FileSize) > photoMaxBytes {
		return "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "switchboard_media_*"+ext)
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, io.LimitReader(resp.Body, photoMaxBytes+1)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	return tmp.Name(), nil
}

// sanitizeImage re-encodes the image as JPEG, downscaling so the longest edge
// is at most photoMaxDim. Strips metadata as a side effect of re-encoding.
func sanitizeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > photoMaxDim || bounds.Dy() > photoMaxDim {
		img = imaging.Fit(img, photoMaxDim, photoMaxDim, imaging.Lanczos)
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + "_clean.jpg"
	if err := imaging.Save(img, out, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return out, nil
}
