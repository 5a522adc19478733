package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/tunelab/finetuner/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateModelName(t *testing.T) {
	valid := []string{
		"resnet50",
		"mobilenet_v2",
		"pytorch/vision-resnet50",
		"owner/repo.name-1.2",
	}
	for _, name := range valid {
		assert.NoError(t, ValidateModelName(name), name)
	}

	invalid := []string{
		"",
		"  ",
		"../etc/passwd",
		"owner/../../escape",
		"owner/repo/extra",
		"/leading-slash",
		"-leading-dash",
		"name with spaces",
		"https://evil.example/x",
	}
	for _, name := range invalid {
		assert.Error(t, ValidateModelName(name), name)
	}
}

func TestVerifyChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.pt")
	content := []byte("fake weights")
	require.NoError(t, os.WriteFile(path, content, 0644))

	sum := sha256.Sum256(content)
	hexSum := hex.EncodeToString(sum[:])

	assert.NoError(t, VerifyChecksum(path, hexSum))
	assert.NoError(t, VerifyChecksum(path, "  "+hexSum+"\n"))

	err := VerifyChecksum(path, "deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func newTestDownloader(t *testing.T, hubURL string) *Downloader {
	t.Helper()
	return NewDownloader(&config.Registry{
		HubBaseURL: hubURL,
		CacheDir:   t.TempDir(),
	}, nil)
}

func TestDownloadModel(t *testing.T) {
	weights := []byte("model weights bytes")
	sum := sha256.Sum256(weights)

	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.Path)
		switch {
		case r.URL.Path == "/pytorch/resnet50/resolve/main/model.pt":
			w.Write(weights)
		case r.URL.Path == "/pytorch/resnet50/resolve/main/config.json":
			w.Write([]byte(`{"num_classes": 1000}`))
		case r.URL.Path == "/pytorch/resnet50/resolve/main/model.pt.sha256":
			fmt.Fprintf(w, "%s  model.pt\n", hex.EncodeToString(sum[:]))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	d := newTestDownloader(t, server.URL)

	weightsPath, err := d.DownloadModel("pytorch/resnet50", false)
	require.NoError(t, err)

	data, err := os.ReadFile(weightsPath)
	require.NoError(t, err)
	assert.Equal(t, weights, data)
	assert.True(t, fileExists(filepath.Join(d.ModelDir("pytorch/resnet50"), ConfigFile)))

	// A second call hits the cache, no new requests.
	before := len(requests)
	_, err = d.DownloadModel("pytorch/resnet50", false)
	require.NoError(t, err)
	assert.Equal(t, before, len(requests))

	// forceDownload refetches.
	_, err = d.DownloadModel("pytorch/resnet50", true)
	require.NoError(t, err)
	assert.Greater(t, len(requests), before)
}

func TestDownloadModelChecksumMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/resnet50/resolve/main/model.pt":
			w.Write([]byte("tampered weights"))
		case r.URL.Path == "/resnet50/resolve/main/config.json":
			w.Write([]byte(`{}`))
		case r.URL.Path == "/resnet50/resolve/main/model.pt.sha256":
			fmt.Fprintln(w, "0000000000000000000000000000000000000000000000000000000000000000")
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	d := newTestDownloader(t, server.URL)

	_, err := d.DownloadModel("resnet50", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")

	// The bad weights file must not be left in the cache.
	assert.False(t, fileExists(filepath.Join(d.ModelDir("resnet50"), WeightsFile)))
}

func TestDownloadModelMissingUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer server.Close()

	d := newTestDownloader(t, server.URL)

	_, err := d.DownloadModel("resnet50", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code 404")
}

func TestDownloadModelRejectsBadName(t *testing.T) {
	d := newTestDownloader(t, "http://unused.example")
	_, err := d.DownloadModel("../escape", false)
	require.Error(t, err)
}
