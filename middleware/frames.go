package middleware

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// renderFirstFrame decodes the first pixel-data frame of the first
// dataset in folder and encodes it per the Accept header: PNG when asked
// for, JPEG otherwise. DICOM parsing and pixel decoding are delegated
// entirely to the dicom library.
func renderFirstFrame(folder, accept string) ([]byte, string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, "", fmt.Errorf("reading folder %s: %w", folder, err)
	}

	var path string
	for _, entry := range entries {
		if !entry.IsDir() {
			path = filepath.Join(folder, entry.Name())
			break
		}
	}
	if path == "" {
		return nil, "", fmt.Errorf("no datasets in %s", folder)
	}

	dataset, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("parsing dataset %s: %w", path, err)
	}
	element, err := dataset.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, "", fmt.Errorf("dataset %s has no pixel data: %w", path, err)
	}
	var info = dicom.MustGetPixelDataInfo(element.Value)
	if len(info.Frames) == 0 {
		return nil, "", fmt.Errorf("dataset %s has no frames", path)
	}
	img, err := info.Frames[0].GetImage()
	if err != nil {
		return nil, "", fmt.Errorf("decoding frame: %w", err)
	}

	var buf bytes.Buffer
	if strings.Contains(accept, "image/png") {
		if err = png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encoding PNG frame: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}
	if err = jpeg.Encode(&buf, img, nil); err != nil {
		return nil, "", fmt.Errorf("encoding JPEG frame: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
