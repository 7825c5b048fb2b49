package render

import (
	"fmt"
	"os"
	"sync"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
)

// fonts hands out faces by size, parsed once.
type fonts struct {
	regular *truetype.Font
	bold    *truetype.Font

	mu    sync.Mutex
	faces map[faceKey]font.Face
}

type faceKey struct {
	bold bool
	size float64
}

// loadFonts parses the embedded Go fonts, or path when set. A custom font
// is used for both weights.
func loadFonts(path string) (*fonts, error) {
	f := &fonts{faces: make(map[faceKey]font.Face)}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("render: font: %w", err)
		}
		ttf, err := truetype.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("render: font %s: %w", path, err)
		}
		f.regular, f.bold = ttf, ttf
		return f, nil
	}

	var err error
	if f.regular, err = truetype.Parse(goregular.TTF); err != nil {
		return nil, fmt.Errorf("render: go regular: %w", err)
	}
	if f.bold, err = truetype.Parse(gobold.TTF); err != nil {
		return nil, fmt.Errorf("render: go bold: %w", err)
	}
	return f, nil
}

func (f *fonts) face(bold bool, size float64) font.Face {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := faceKey{bold, size}
	if face, ok := f.faces[k]; ok {
		return face
	}
	ttf := f.regular
	if bold {
		ttf = f.bold
	}
	face := truetype.NewFace(ttf, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	f.faces[k] = face
	return face
}
