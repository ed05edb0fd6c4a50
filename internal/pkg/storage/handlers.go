package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"certbot_deployer/pkg/models"
)

// Output formats understood by FileHandler.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Formats lists the supported output formats.
var Formats = []string{FormatTable, FormatJSON, FormatYAML}

// ExpiryWarning is how close to NotAfter a certificate is flagged in tables.
const ExpiryWarning = 30 * 24 * time.Hour

type FileHandler struct {
	outputPath   string
	outputFormat string
	out          io.Writer
	now          func() time.Time
}

// NewFileHandler writes summaries into outputPath, a directory, or to out when
// outputPath is empty.
func NewFileHandler(outputPath, outputFormat string, out io.Writer) *FileHandler {
	if out == nil {
		out = os.Stdout
	}
	return &FileHandler{
		outputPath:   outputPath,
		outputFormat: outputFormat,
		out:          out,
		now:          time.Now,
	}
}

// Handle writes summary and returns the file it created, or "" when it wrote
// to the output stream.
func (h *FileHandler) Handle(summary *models.BundleSummary) (string, error) {
	if h.outputPath == "" {
		return "", h.write(h.out, summary)
	}

	if err := os.MkdirAll(h.outputPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	// Create filename with timestamp and common name
	timestamp := summary.Timestamp.Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s.%s", timestamp, sanitizeDomain(summary.CommonName), extension(h.outputFormat))
	fullPath := filepath.Join(h.outputPath, filename)

	file, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", fullPath, err)
	}
	defer file.Close()

	if err := h.write(file, summary); err != nil {
		return "", err
	}

	logrus.WithField("path", fullPath).Info("certificate summary written")
	return fullPath, nil
}

func (h *FileHandler) write(w io.Writer, summary *models.BundleSummary) error {
	switch h.outputFormat {
	case FormatJSON:
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		if _, err := fmt.Fprintln(w, string(data)); err != nil {
			return fmt.Errorf("failed to write JSON: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(summary); err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to write YAML: %w", err)
		}
	case FormatTable, "":
		h.printTable(w, summary)
	default:
		return fmt.Errorf("unsupported output format: %s", h.outputFormat)
	}
	return nil
}

func (h *FileHandler) printTable(w io.Writer, s *models.BundleSummary) {
	fmt.Fprintf(w, "┌─────────────────────────────────────────────────────────────┐\n")
	fmt.Fprintf(w, "│ Certificate Lineage                                         │\n")
	fmt.Fprintf(w, "├─────────────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(w, "│ Path:          %-44s │\n", truncate(s.Path, 44))
	fmt.Fprintf(w, "│ Common Name:   %-44s │\n", truncate(s.CommonName, 44))
	fmt.Fprintf(w, "│ Issuer:        %-44s │\n", truncate(s.LeafCert.IssuerDistinguishedName, 44))
	fmt.Fprintf(w, "│ Serial:        %-44s │\n", truncate(s.LeafCert.SerialNumber, 44))
	fmt.Fprintf(w, "│ Not Before:    %-44s │\n", s.LeafCert.NotBefore.Format(time.RFC3339))
	fmt.Fprintf(w, "│ Not After:     %-44s │\n", s.LeafCert.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(w, "│ Status:        %s │\n", h.status(s.LeafCert.NotBefore, s.LeafCert.NotAfter))
	fmt.Fprintf(w, "│ Key:           %-44s │\n", fmt.Sprintf("%s %d", s.Key.Algorithm, s.Key.Bits))
	fmt.Fprintf(w, "│ Chain:         %-44s │\n", fmt.Sprintf("(%d intermediates)", len(s.Chain)))
	for _, c := range s.Chain {
		fmt.Fprintf(w, "│   - %-55s │\n", truncate(c.Subject.CommonName, 55))
	}
	if len(s.Names) > 0 {
		fmt.Fprintf(w, "│ Names:         %-44s │\n", fmt.Sprintf("(%d found)", len(s.Names)))
		for i, name := range s.Names {
			if i < 3 { // Limit display to first 3 names
				fmt.Fprintf(w, "│   - %-55s │\n", truncate(name, 55))
			} else if i == 3 {
				fmt.Fprintf(w, "│   - %-55s │\n", "... and more")
				break
			}
		}
	}
	fmt.Fprintf(w, "└─────────────────────────────────────────────────────────────┘\n")
}

// status pads before colouring so escape codes do not break the column.
func (h *FileHandler) status(notBefore, notAfter time.Time) string {
	now := h.now()
	switch {
	case now.Before(notBefore):
		return color.YellowString("%-44s", "not yet valid")
	case now.After(notAfter):
		return color.RedString("%-44s", "expired")
	case notAfter.Sub(now) < ExpiryWarning:
		days := int(notAfter.Sub(now).Hours() / 24)
		return color.YellowString("%-44s", fmt.Sprintf("expires in %d days", days))
	default:
		return color.GreenString("%-44s", "valid")
	}
}

func extension(format string) string {
	switch format {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	default:
		return "txt"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func sanitizeDomain(domain string) string {
	// Replace characters that are not safe for filenames
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, domain)
}

// LogHandler appends one JSON line per deployed lineage to a history file.
type LogHandler struct {
	logFile *os.File
}

func NewLogHandler(logPath string) (*LogHandler, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &LogHandler{logFile: file}, nil
}

func (h *LogHandler) Handle(summary *models.BundleSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := h.logFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}

	return h.logFile.Sync()
}

func (h *LogHandler) Close() error {
	if h.logFile != nil {
		return h.logFile.Close()
	}
	return nil
}
