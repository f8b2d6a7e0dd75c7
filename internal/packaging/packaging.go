// Package packaging builds the deliverable handed to object storage:
// a zip archive with the uploaded file verbatim and a JSON sidecar
// describing it.
package packaging

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ddp/uploadportal/internal/models"
)

// NoComment is written to the sidecar when the uploader left no note.
const NoComment = "Not eklenmedi"

// TimestampLayout formats Descriptor.UploadTimestamp.
const TimestampLayout = "20060102_150405"

// ErrMalformed is returned by Open for archives that lack either part.
var ErrMalformed = errors.New("malformed deliverable")

// Descriptor is the sidecar stored next to the uploaded file.
type Descriptor struct {
	UploadTimestamp     string                        `json:"upload_timestamp"`
	Uploader            string                        `json:"uploader"`
	Approver            string                        `json:"approver"`
	OriginalFilename    string                        `json:"original_filename"`
	FileSizeMB          float64                       `json:"file_size_mb"`
	FileType            string                        `json:"file_type"`
	Columns             []string                      `json:"columns"`
	Metadata            models.ColumnMetadata         `json:"metadata"`
	QualityRules        map[string]models.QualityRule `json:"quality_rules"`
	SecurityCheckPassed bool                          `json:"security_check_passed"`
	Status              models.Status                 `json:"status"`
	Comment             string                        `json:"comment"`
}

// DescriptorFor derives the sidecar of a package about to be enqueued.
func DescriptorFor(p models.SubmissionPackage) Descriptor {
	comment := p.Comment
	if comment == "" {
		comment = NoComment
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = models.ColumnMetadata{}
	}
	rules := p.QualityRules
	if rules == nil {
		rules = map[string]models.QualityRule{}
	}
	return Descriptor{
		UploadTimestamp:     p.CreatedAt.Format(TimestampLayout),
		Uploader:            p.UploaderID,
		Approver:            p.ApproverID,
		OriginalFilename:    p.Filename,
		FileSizeMB:          models.SizeMB(p.SizeBytes),
		FileType:            p.MimeType,
		Columns:             p.Columns,
		Metadata:            metadata,
		QualityRules:        rules,
		SecurityCheckPassed: true,
		Status:              models.StatusPendingApproval,
		Comment:             comment,
	}
}

// SidecarName returns the archive entry name of the descriptor for filename.
func SidecarName(filename string) string {
	return filename + sidecarSuffix
}

const sidecarSuffix = "_metadata.json"

// Build writes a deflated zip holding file under d.OriginalFilename and the
// indented descriptor under SidecarName.
func Build(d Descriptor, file []byte) ([]byte, error) {
	var sidecar bytes.Buffer
	enc := json.NewEncoder(&sidecar)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, part := range []struct {
		name string
		data []byte
	}{
		{d.OriginalFilename, file},
		{SidecarName(d.OriginalFilename), sidecar.Bytes()},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: part.name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", part.name, err)
		}
		if _, err := w.Write(part.data); err != nil {
			return nil, fmt.Errorf("write %s: %w", part.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Open is the inverse of Build.
func Open(archive []byte) (Descriptor, []byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return Descriptor{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	parts := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return Descriptor{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return Descriptor{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		parts[f.Name] = data
	}

	for name, raw := range parts {
		var d Descriptor
		if !strings.HasSuffix(name, sidecarSuffix) || json.Unmarshal(raw, &d) != nil || SidecarName(d.OriginalFilename) != name {
			continue
		}
		file, ok := parts[d.OriginalFilename]
		if !ok {
			return Descriptor{}, nil, fmt.Errorf("%w: %s missing", ErrMalformed, d.OriginalFilename)
		}
		return d, file, nil
	}
	return Descriptor{}, nil, fmt.Errorf("%w: no descriptor", ErrMalformed)
}
