// Package qr renders pairing codes as scannable images.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const imageSize = 256

// Renderer produces pairing images for the session gateway.
type Renderer struct{}

// Render packs code into a PNG QR image as a data URI, ready for direct
// use in an img tag.
func (Renderer) Render(code string) (string, error) {
	return DataURI(code)
}

// DataURI renders code as a base64 PNG data URI.
func DataURI(code string) (string, error) {
	if code == "" {
		return "", errors.New("qr: empty code")
	}
	png, err := qrcode.Encode(code, qrcode.Medium, imageSize)
	if err != nil {
		return "", fmt.Errorf("qr: render: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
