// Package fileextract turns uploaded context files into plain text for
// prompt assembly.
package fileextract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

var ErrBinaryFile = errors.New("file is not text or pdf")

// Extract returns the textual content of an uploaded file, dispatching
// on the file extension. Anything that is not a PDF must already be
// valid UTF-8 text.
func Extract(filename string, data []byte) (string, error) {
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		text, err := ExtractPDF(bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("extract pdf %s failed: %w", filename, err)
		}
		return text, nil
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s", ErrBinaryFile, filename)
	}
	return string(data), nil
}

// ExtractPDF reads the entire content of r and extracts plain text from
// the PDF. Returns empty string and nil error if the PDF has no
// extractable text.
func ExtractPDF(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", nil
	}
	readerAt := bytes.NewReader(b)
	pdfReader, err := pdf.NewReader(readerAt, int64(len(b)))
	if err != nil {
		return "", err
	}
	plainReader, err := pdfReader.GetPlainText()
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(plainReader)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
