package elastic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeES returns an httptest server that speaks just enough of the
// elasticsearch protocol for the client's ping and bulk requests, and a
// counter of documents received.
func fakeES(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	docs := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		if strings.HasSuffix(r.URL.Path, "/_bulk") {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			var items []string
			for _, line := range strings.Split(string(body), "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, `{"index"`) {
					continue
				}
				docs++
				items = append(items, `{"index":{"status":201}}`)
			}
			fmt.Fprintf(w, `{"took":1,"errors":false,"items":[%s]}`, strings.Join(items, ","))
			return
		}

		// Info ping.
		fmt.Fprint(w, `{"version":{"number":"8.13.0"}}`)
	}))
	t.Cleanup(server.Close)
	return server, &docs
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")
}

func TestIndexDocuments(t *testing.T) {
	server, docs := fakeES(t)

	client, err := New(Config{URL: server.URL, Index: "finetuner_metrics"})
	require.NoError(t, err)

	err = client.IndexDocuments(context.Background(), []interface{}{
		map[string]interface{}{"job_id": "job-1", "epoch": 0, "val_acc": 0.5},
		map[string]interface{}{"job_id": "job-1", "epoch": 1, "val_acc": 0.6},
		map[string]interface{}{"job_id": "job-1", "epoch": 2, "val_acc": 0.7},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, *docs)
}

func TestIndexDocumentsEmpty(t *testing.T) {
	server, docs := fakeES(t)

	client, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	require.NoError(t, client.IndexDocuments(context.Background(), nil))
	assert.Equal(t, 0, *docs)
}

func TestIndexJSONLinesFile(t *testing.T) {
	server, docs := fakeES(t)

	client, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	content := `{"job_id":"job-1","epoch":0,"val_acc":0.5}

{"job_id":"job-1","epoch":1,"val_acc":0.6}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	require.NoError(t, client.IndexJSONLinesFile(context.Background(), path))
	assert.Equal(t, 2, *docs)
}

func TestIndexJSONLinesFileMissing(t *testing.T) {
	server, _ := fakeES(t)

	client, err := New(Config{URL: server.URL})
	require.NoError(t, err)

	err = client.IndexJSONLinesFile(context.Background(), filepath.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open jsonl file")
}
