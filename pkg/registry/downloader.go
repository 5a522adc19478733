package registry

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tunelab/finetuner/pkg/config"
	"github.com/tunelab/finetuner/pkg/session"
)

const (
	WeightsFile  = "model.pt"
	ConfigFile   = "config.json"
	ChecksumFile = "model.pt.sha256"
)

type Downloader struct {
	cacheDir   string
	hubBaseURL string
	client     *http.Client
}

func NewDownloader(cfg *config.Registry, s *session.Session) *Downloader {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = config.GetModelCacheDir()
	}

	client := &http.Client{}
	if s != nil {
		client = s.Client
	}

	return &Downloader{
		cacheDir:   cacheDir,
		hubBaseURL: strings.TrimSuffix(cfg.HubBaseURL, "/"),
		client:     client,
	}
}

// ModelDir returns the local cache directory for a model, flattening the
// hub's owner/name separator.
func (d *Downloader) ModelDir(model string) string {
	return filepath.Join(d.cacheDir, strings.ReplaceAll(model, "/", "--"))
}

// DownloadModel fetches the weight and config files for a pretrained
// model into the cache, skipping files already present unless forced.
// It returns the local path of the weights file.
func (d *Downloader) DownloadModel(model string, forceDownload bool) (string, error) {
	if err := ValidateModelName(model); err != nil {
		return "", err
	}

	modelDir := d.ModelDir(model)
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	weightsPath := filepath.Join(modelDir, WeightsFile)
	configPath := filepath.Join(modelDir, ConfigFile)

	if !forceDownload {
		if fileExists(weightsPath) && fileExists(configPath) {
			return weightsPath, nil
		}
	}

	baseURL := fmt.Sprintf("%s/%s/resolve/main", d.hubBaseURL, model)

	fmt.Printf("[REG] Downloading pretrained weights for %s (first run)...\n", model)

	files := []struct {
		name string
		path string
		url  string
	}{
		{WeightsFile, weightsPath, baseURL + "/" + WeightsFile},
		{ConfigFile, configPath, baseURL + "/" + ConfigFile},
	}

	for _, f := range files {
		if !forceDownload && fileExists(f.path) {
			continue
		}
		if err := d.downloadFile(f.url, f.path); err != nil {
			return "", fmt.Errorf("failed to download %s: %w", f.name, err)
		}
	}

	// Verify against the hub checksum when one is published.
	checksumURL := baseURL + "/" + ChecksumFile
	if sum, err := d.fetchChecksum(checksumURL); err == nil && sum != "" {
		if err := VerifyChecksum(weightsPath, sum); err != nil {
			os.Remove(weightsPath)
			return "", err
		}
	}

	fmt.Printf("[REG] Model %s cached at %s\n", model, modelDir)

	return weightsPath, nil
}

func (d *Downloader) downloadFile(url, destPath string) error {
	resp, err := d.client.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}

	tmpPath := destPath + ".partial"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}

	return os.Rename(tmpPath, destPath)
}

func (d *Downloader) fetchChecksum(url string) (string, error) {
	resp, err := d.client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}

	// Sidecar format: "<hex digest>" or "<hex digest>  <filename>".
	sum := strings.Fields(strings.TrimSpace(string(data)))
	if len(sum) == 0 {
		return "", nil
	}
	return sum[0], nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
