package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/clause-crawler/internal/app"
	"github.com/JakeFAU/clause-crawler/internal/repository"
)

func writeConfig(t *testing.T) (configPath, repoPath string) {
	t.Helper()
	dir := t.TempDir()
	repoPath = filepath.Join(dir, "clauses.json")
	configPath = filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
crawler:
  state_path: %s
repository:
  path: %s
logging:
  development: false
  level: error
`, filepath.Join(dir, "crawl_state.json"), repoPath)
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o600))
	return configPath, repoPath
}

func TestStatsCommand(t *testing.T) {
	configPath, repoPath := writeConfig(t)

	store, err := repository.NewFileStore(repoPath, nil)
	require.NoError(t, err)
	doc := repository.NewDocument()
	doc.Clauses["testament_legs"] = &repository.Record{
		ID:      "testament_legs",
		Content: repository.Content{Type: "testament", Title: "Legs"},
		Metadata: repository.Metadata{
			Enrichment: repository.EnrichmentInfo{NeedsUpdate: true},
		},
	}
	require.NoError(t, store.Save(context.Background(), doc))

	var out bytes.Buffer
	require.NoError(t, newCLI(&out).Run([]string{"clausecrawler", "--config", configPath, "stats"}))

	var got struct {
		Path  string `json:"path"`
		Stats struct {
			TotalClauses      int `json:"total_clauses"`
			PendingEnrichment int `json:"pending_enrichment"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, repoPath, got.Path)
	assert.Equal(t, 1, got.Stats.TotalClauses)
	assert.Equal(t, 1, got.Stats.PendingEnrichment)
}

func TestStatsCommandEmptyRepository(t *testing.T) {
	configPath, _ := writeConfig(t)

	var out bytes.Buffer
	require.NoError(t, newCLI(&out).Run([]string{"clausecrawler", "-c", configPath, "stats"}))
	assert.Contains(t, out.String(), `"total_clauses": 0`)
}

func TestMissingConfigFails(t *testing.T) {
	err := newCLI(&bytes.Buffer{}).Run([]string{"clausecrawler", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "stats"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestMergeWithoutCredentials(t *testing.T) {
	t.Setenv("CLAUSE_LLM_CREDENTIALS", "")
	t.Setenv("GEMINI_API_KEY_1", "")
	t.Setenv("GEMINI_API_KEY", "")
	configPath, _ := writeConfig(t)

	err := newCLI(&bytes.Buffer{}).Run([]string{"clausecrawler", "--config", configPath, "merge"})
	require.ErrorIs(t, err, app.ErrNoCredentials)
}

func TestSyncWithoutMirror(t *testing.T) {
	configPath, _ := writeConfig(t)

	err := newCLI(&bytes.Buffer{}).Run([]string{"clausecrawler", "--config", configPath, "sync"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.dsn")
}
