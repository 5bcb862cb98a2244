package capability

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// Renderer turns a raw pairing payload into what consumers display.
type Renderer func(payload string) (string, error)

// RenderDataURL encodes the pairing payload as a PNG data URL.
func RenderDataURL(payload string) (string, error) {
	if payload == "" {
		return "", fmt.Errorf("empty qr payload")
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
