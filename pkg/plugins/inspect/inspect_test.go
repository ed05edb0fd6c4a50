package inspect

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certbot_deployer/cmd"
	"certbot_deployer/internal/pkg/config"
	"certbot_deployer/pkg/deployer"
	"certbot_deployer/pkg/deployertest"
	cdeerrors "certbot_deployer/pkg/errors"
	"certbot_deployer/pkg/models"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func run(t *testing.T, lineage string, conf string, argv ...string) (string, string, error) {
	t.Helper()

	doc := &config.Document{}
	if conf != "" {
		path := filepath.Join(t.TempDir(), config.Filename)
		require.NoError(t, os.WriteFile(path, []byte(conf), 0o600))
		var err error
		doc, err = config.ReadFile(path)
		require.NoError(t, err)
	}

	var out, errOut bytes.Buffer
	d := &Deployer{now: func() time.Time { return fixedNow }}
	err := cmd.Run(context.Background(), []deployer.Deployer{d}, append([]string{Subcommand}, argv...),
		cmd.WithConfig(doc),
		cmd.WithOutput(&out, &errOut),
		cmd.WithLookupEnv(func(string) (string, bool) { return lineage, true }),
	)
	return out.String(), errOut.String(), err
}

func TestRegistered(t *testing.T) {
	index, err := deployer.Index(deployer.Registered())
	require.NoError(t, err)
	assert.Contains(t, index, Subcommand)
}

func TestInspectJSON(t *testing.T) {
	lineage := deployertest.NewLineage(t, deployertest.WithDNSNames("example.com"))

	out, _, err := run(t, lineage.Dir, "", "--format", "json")
	require.NoError(t, err)

	var summary models.BundleSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, deployertest.CommonName, summary.CommonName)
	assert.Equal(t, []string{deployertest.CommonName, "example.com"}, summary.Names)
	assert.Equal(t, models.FormatSerial(lineage.Leaf.Cert.SerialNumber), summary.LeafCert.SerialNumber)
	assert.True(t, fixedNow.Equal(summary.Timestamp))
}

func TestInspectFormatFromConfig(t *testing.T) {
	lineage := deployertest.NewLineage(t)

	out, _, err := run(t, lineage.Dir, `{"inspect": {"format": " YAML "}}`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "path: "), out)
	assert.Contains(t, out, "common_name: test_common_name")
}

func TestInspectInvalidFormat(t *testing.T) {
	lineage := deployertest.NewLineage(t)

	_, _, err := run(t, lineage.Dir, "", "--format", "xml")
	require.Error(t, err)
	assert.True(t, cdeerrors.Is(err, cdeerrors.ErrCodeConfiguration))
	assert.Contains(t, err.Error(), "--format must be one of")
}

func TestInspectRequireDomain(t *testing.T) {
	lineage := deployertest.NewLineage(t, deployertest.WithDNSNames("example.com", "*.apps.example.com"))

	t.Run("covered", func(t *testing.T) {
		_, _, err := run(t, lineage.Dir, "",
			"--require-domain", "example.com", "--require-domain", "web.apps.example.com")
		require.NoError(t, err)
	})

	t.Run("from config", func(t *testing.T) {
		_, _, err := run(t, lineage.Dir, `{"inspect": {"require_domain": ["example.com", "missing.example.org"]}}`)
		require.Error(t, err)
		assert.True(t, cdeerrors.Is(err, cdeerrors.ErrCodePlugin))
		assert.Contains(t, err.Error(), "missing.example.org")
		assert.NotContains(t, err.Error(), "example.com,")
	})
}

func TestInspectOutputPath(t *testing.T) {
	lineage := deployertest.NewLineage(t)
	dir := filepath.Join(t.TempDir(), "out")
	logPath := filepath.Join(t.TempDir(), "history.jsonl")

	out, errOut, err := run(t, lineage.Dir, "",
		"--format", "json", "--output-path", dir, "--log-path", logPath)
	require.NoError(t, err)
	assert.Empty(t, out)

	written := strings.TrimSpace(errOut)
	assert.Equal(t, filepath.Join(dir, "20250601_120000_test_common_name.json"), written)
	data, err := os.ReadFile(written)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"common_name": "test_common_name"`)

	history, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(history), "\n"))
}
