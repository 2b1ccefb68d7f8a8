package schemas

import "fmt"

// -- Browser Fingerprint --

// Fingerprint is the identity a browsing context presents to the remote service.
// A rebirth always produces a fresh one.
type Fingerprint struct {
	UserAgent      string `json:"userAgent"`
	ViewportWidth  int64  `json:"viewportWidth"`
	ViewportHeight int64  `json:"viewportHeight"`
	Locale         string `json:"locale"`
	Timezone       string `json:"timezoneId"`
}

// String renders the fingerprint compactly for log lines.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%dx%d %s", f.ViewportWidth, f.ViewportHeight, f.UserAgent)
}
