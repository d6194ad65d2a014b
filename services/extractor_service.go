package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
)

// SetUnidocLicense registers the metered UniPDF key. PDF extraction fails
// without one.
func SetUnidocLicense(key string) error {
	if key == "" {
		return nil
	}
	if err := license.SetMeteredKey(key); err != nil {
		return fmt.Errorf("failed to set unidoc license key: %w", err)
	}
	return nil
}

func isSupportedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".pdf":
		return true
	default:
		return false
	}
}

// ExtractTextFromFile returns the plain text of a .txt, .md or .pdf file.
func ExtractTextFromFile(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".txt", ".md":
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case ".pdf":
		pages, err := pdfPages(path)
		if err != nil {
			return "", err
		}
		return strings.Join(pages, "\n\n"), nil
	default:
		return "", fmt.Errorf("unsupported file type: %s", ext)
	}
}

// pdfPages extracts the text of every page that has any.
func pdfPages(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader, err := model.NewPdfReader(f)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	count, err := reader.GetNumPages()
	if err != nil {
		return nil, fmt.Errorf("count pages of %s: %w", path, err)
	}

	pages := make([]string, 0, count)
	for n := 1; n <= count; n++ {
		page, err := reader.GetPage(n)
		if err != nil {
			return nil, fmt.Errorf("read page %d of %s: %w", n, path, err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return nil, fmt.Errorf("page %d of %s: %w", n, path, err)
		}
		text, err := ex.ExtractText()
		if err != nil {
			return nil, fmt.Errorf("extract page %d of %s: %w", n, path, err)
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, text)
		}
	}
	return pages, nil
}
