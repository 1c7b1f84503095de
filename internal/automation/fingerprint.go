package automation

import "math/rand/v2"

// Fingerprint is the randomized identity a session presents
type Fingerprint struct {
	UserAgent string
	Width     int
	Height    int
	Locale    string
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
}

var viewports = [][2]int{
	{1920, 1080},
	{1536, 864},
	{1440, 900},
	{1366, 768},
	{1280, 800},
}

var locales = []string{"nl-NL", "nl-BE", "en-GB", "en-US", "de-DE"}

// RandomFingerprint picks a user agent, viewport and locale from fixed pools
func RandomFingerprint() Fingerprint {
	vp := viewports[rand.IntN(len(viewports))]
	return Fingerprint{
		UserAgent: userAgents[rand.IntN(len(userAgents))],
		Width:     vp[0],
		Height:    vp[1],
		Locale:    locales[rand.IntN(len(locales))],
	}
}
