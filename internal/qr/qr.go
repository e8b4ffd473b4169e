// Package qr renders pairing artifacts as QR code images for API clients.
package qr

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// imageSize is the rendered edge length in pixels. Large enough that phone
// cameras scan it reliably from a monitor.
const imageSize = 512

// DataURL encodes the pairing artifact as a base64 PNG data URL suitable for
// direct use in an <img> tag.
func DataURL(artifact []byte) (string, error) {
	if len(artifact) == 0 {
		return "", fmt.Errorf("empty pairing artifact")
	}

	code, err := qr.Encode(string(artifact), qr.M, qr.Auto)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	scaled, err := barcode.Scale(code, imageSize, imageSize)
	if err != nil {
		return "", fmt.Errorf("scale qr: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
