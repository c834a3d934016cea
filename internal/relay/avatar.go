package relay

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// DefaultAvatarURL is used when a player icon cannot be resolved.
const DefaultAvatarURL = "https://steamcommunity-a.akamaihd.net/public/images/avatars/fe/fef49e7fa7e1997310d705b2a6158ff8dc1cdfeb_full.jpg"

// AvatarResolver maps a player identity to an icon URL.
type AvatarResolver interface {
	Resolve(steamID string) string
}

var avatarIconPattern = regexp.MustCompile(`<avatarIcon><!\[CDATA\[(.*?)\]\]></avatarIcon>`)

// SteamAvatarResolver resolves avatar URLs from the Steam community profile
// XML endpoint. Lookups that fail for any reason fall back to
// DefaultAvatarURL rather than surfacing an error; an icon is cosmetic.
type SteamAvatarResolver struct {
	client *http.Client
	logger *zap.Logger
}

// NewSteamAvatarResolver creates a resolver with the given request timeout.
func NewSteamAvatarResolver(timeout time.Duration, logger *zap.Logger) *SteamAvatarResolver {
	return &SteamAvatarResolver{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Resolve fetches the profile XML for steamID and extracts the avatar icon.
func (r *SteamAvatarResolver) Resolve(steamID string) string {
	if steamID == "" {
		return DefaultAvatarURL
	}
	url := fmt.Sprintf("https://steamcommunity.com/profiles/%s?xml=1", steamID)
	resp, err := r.client.Get(url)
	if err != nil {
		r.logger.Debug("avatar lookup failed", zap.String("steam_id", steamID), zap.Error(err))
		return DefaultAvatarURL
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.logger.Debug("avatar lookup rejected", zap.String("steam_id", steamID), zap.Int("status", resp.StatusCode))
		return DefaultAvatarURL
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return DefaultAvatarURL
	}
	match := avatarIconPattern.FindSubmatch(body)
	if match == nil {
		return DefaultAvatarURL
	}
	return string(match[1])
}

// StaticAvatarResolver always returns the same URL. Used in tests and when
// avatar lookups are disabled.
type StaticAvatarResolver string

// Resolve returns the fixed URL regardless of identity.
func (s StaticAvatarResolver) Resolve(string) string {
	return string(s)
}
