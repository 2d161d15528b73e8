package usecase

import (
	"fmt"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/example/gesture-api/internal/apperr"
)

// FormField is the multipart field carrying the image.
const FormField = "image_file"

const (
	msgFileNotFound   = "Image file not found. Ensure that multipart/form-data contains key - '" + FormField + "'"
	msgNoSelectedFile = "No selected file"
	msgNoGesture      = "No gesture recognized. Please try again with a different image."
)

// UploadPolicy decides which uploads are accepted.
type UploadPolicy struct {
	// AllowedExtensions are lower-case and without the leading dot.
	AllowedExtensions []string
	MaxBytes          int64
}

// ValidateUpload rejects a missing file, an empty filename or a filename
// whose extension is not allowed. A nil file means the form had no such field.
func (p UploadPolicy) ValidateUpload(file *multipart.FileHeader) error {
	if file == nil {
		return apperr.NewBadRequest(msgFileNotFound)
	}
	if file.Filename == "" {
		return apperr.NewBadRequest(msgNoSelectedFile)
	}
	if !p.Allows(file.Filename) {
		return apperr.NewBadRequest("Unsupported file format. Supported formats: " + strings.Join(p.AllowedExtensions, ", "))
	}
	return nil
}

// Allows reports whether the text after the last "." of filename,
// compared case-insensitively, is an allowed extension.
func (p UploadPolicy) Allows(filename string) bool {
	dot := strings.LastIndex(filename, ".")
	if dot < 0 {
		return false
	}
	ext := strings.ToLower(filename[dot+1:])
	for _, allowed := range p.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// CheckSize fails with 413 when size exceeds MaxBytes.
func (p UploadPolicy) CheckSize(size int64) error {
	if size <= p.MaxBytes {
		return nil
	}
	return p.TooLarge()
}

// TooLarge is the 413 returned for any upload over MaxBytes.
func (p UploadPolicy) TooLarge() error {
	return apperr.NewPayloadTooLarge(fmt.Sprintf("File exceeds maximum size of %s MB", formatMegabytes(p.MaxBytes)))
}

func formatMegabytes(n int64) string {
	return strconv.FormatFloat(float64(n)/(1<<20), 'f', -1, 64)
}
