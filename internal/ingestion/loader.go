package ingestion

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/pkg/logger"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyDocument     = errors.New("no text could be extracted")
)

var supported = map[string]func(io.Reader) (string, error){
	".pdf":  extractPDF,
	".txt":  extractText,
	".md":   extractText,
	".docx": extractDOCX,
	".csv":  extractCSV,
}

func Supported(name string) bool {
	_, ok := supported[strings.ToLower(filepath.Ext(name))]
	return ok
}

var licenseOnce sync.Once

// ConfigurePDF registers the metered PDF license key once per process.
func ConfigurePDF(key string) error {
	var err error
	licenseOnce.Do(func() {
		if key == "" {
			return
		}
		err = license.SetMeteredKey(key)
	})
	if err != nil {
		return fmt.Errorf("failed to set pdf license: %w", err)
	}
	return nil
}

func LoadFile(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	extract, ok := supported[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	text, err := extract(f)
	if err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", filepath.Base(path), err)
	}
	return text, nil
}

func extractText(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))), nil
}

func extractPDF(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	numPages, err := reader.GetNumPages()
	if err != nil {
		return "", fmt.Errorf("failed to count pdf pages: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= numPages; i++ {
		page, err := reader.GetPage(i)
		if err != nil {
			logger.Warn("Skipping unreadable pdf page", zap.Int("page", i), zap.Error(err))
			continue
		}
		ex, err := extractor.New(page)
		if err != nil {
			logger.Warn("Skipping pdf page", zap.Int("page", i), zap.Error(err))
			continue
		}
		text, err := ex.ExtractText()
		if err != nil {
			logger.Warn("Failed to extract pdf page text", zap.Int("page", i), zap.Error(err))
			continue
		}
		b.WriteString(strings.TrimSpace(text))
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// extractDOCX reads the paragraphs of word/document.xml.
func extractDOCX(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("docx has no word/document.xml")
	}

	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("failed to read document.xml: %w", err)
	}
	defer rc.Close()

	var b strings.Builder
	dec := xml.NewDecoder(rc)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteString("\t")
			case "br":
				b.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

// extractCSV renders each row as "column: value" lines, one block per row.
func extractCSV(r io.Reader) (string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read csv header: %w", err)
	}

	var rows []string
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read csv row: %w", err)
		}

		lines := make([]string, 0, len(record))
		for i, v := range record {
			col := fmt.Sprintf("column%d", i+1)
			if i < len(header) {
				col = strings.TrimSpace(header[i])
			}
			lines = append(lines, col+": "+strings.TrimSpace(v))
		}
		rows = append(rows, strings.Join(lines, "\n"))
	}
	return strings.Join(rows, "\n\n"), nil
}
