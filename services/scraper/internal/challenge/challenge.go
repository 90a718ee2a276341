// Package challenge recognises anti-bot interstitials served in place of a page.
package challenge

import (
	"bytes"
)

// signatures are matched case-insensitively against the page body. Only markers of
// a full-page interstitial belong here: captcha widgets, CDN script references and
// Cloudflare's bot-detection script (/cdn-cgi/challenge-platform/scripts/) also
// appear on ordinary pages.
var signatures = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("cf_chl_opt"),
	[]byte("/cdn-cgi/challenge-platform/h/"),
	[]byte("just a moment..."),
	[]byte("checking your browser before accessing"),
	[]byte("attention required! | cloudflare"),
}

// IsBotChallenge reports whether html carries a known interstitial signature.
// A miss is not proof of real content: extraction still has to find something.
func IsBotChallenge(html []byte) bool {
	lower := bytes.ToLower(html)
	for _, sig := range signatures {
		if bytes.Contains(lower, sig) {
			return true
		}
	}
	return false
}
