// Package badge renders the QR codes members present at the scanner.
package badge

import (
	"errors"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

// PNG encodes memberID as a QR code image. The scanner posts the decoded
// text back as the member id, so nothing else is embedded.
func PNG(memberID string, size int) ([]byte, error) {
	if memberID == "" {
		return nil, errors.New("badge: empty member id")
	}
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(memberID, qrcode.Medium, size)
}
