package utils

import (
	"path/filepath"
	"strings"

	"github.com/cppla/imgconv/models"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// DetectFileType tags an upload as image or unknown. The declared content
// type is trusted first, the file extension is the fallback.
func DetectFileType(contentType, filename string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return models.FileTypeImage
	}
	if imageExts[strings.ToLower(filepath.Ext(filename))] {
		return models.FileTypeImage
	}
	return models.FileTypeUnknown
}
