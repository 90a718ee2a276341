// Package domain holds the stream bundle returned to players.
package domain

// StreamSource is one candidate stream for a language and provider.
type StreamSource struct {
	URL          string `json:"url"`
	IsPlaylist   bool   `json:"isPlaylist"`
	Quality      string `json:"quality,omitempty"`
	Language     string `json:"language"`
	LanguageCode string `json:"languageCode"`
	IsDub        bool   `json:"isDub"`
	ProviderName string `json:"providerName,omitempty"`
	// NeedsDeepResolution asks the client for a heavier step, such as a real browser.
	NeedsDeepResolution bool `json:"needsDeepResolution"`
	IsEmbed             bool `json:"isEmbed,omitempty"`
}

type SubtitleTrack struct {
	LanguageCode string `json:"languageCode"`
	URL          string `json:"url"`
	Label        string `json:"label,omitempty"`
}

// ForwardHeaders are the headers the player must send (through the proxy) upstream.
type ForwardHeaders struct {
	Referer   string `json:"Referer"`
	UserAgent string `json:"UserAgent"`
}

type ExternalIDs struct {
	AnilistID int `json:"anilistId,omitempty"`
	MalID     int `json:"malId,omitempty"`
}

type StreamBundle struct {
	ForwardHeaders ForwardHeaders  `json:"forwardHeaders"`
	Sources        []StreamSource  `json:"sources"`
	Subtitles      []SubtitleTrack `json:"subtitles"`
	ExternalIDs    ExternalIDs     `json:"externalIds"`
}
