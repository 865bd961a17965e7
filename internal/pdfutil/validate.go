// Package pdfutil performs structural validation of PDF uploads. PDFs are
// accepted without transcoding, so a corrupt file would otherwise sail
// through the pipeline untouched and only fail at the repository.
package pdfutil

import (
	"bytes"
	"errors"
	"fmt"

	pdf "github.com/ledongthuc/pdf"
)

// Validate parses the PDF and returns its page count. An unparseable or
// empty document is rejected at ingestion time.
func Validate(data []byte) (int, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	pages := doc.NumPage()
	if pages == 0 {
		return 0, errors.New("pdf has no pages")
	}
	return pages, nil
}
