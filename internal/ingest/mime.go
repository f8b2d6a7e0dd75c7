package ingest

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// genericTypes are declared content types that say nothing about the file.
var genericTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
}

// ContentType returns the declared type when it is meaningful. Otherwise it
// derives one from the file extension, then from the content itself.
func ContentType(declared, filename string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if !genericTypes[strings.ToLower(declared)] {
		return declared
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		return byExt
	}
	return mimetype.Detect(data).String()
}
