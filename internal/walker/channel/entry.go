package channel

import (
	"fmt"

	"github.com/denikryt/peertube-crawler/internal/store/models"
)

// extractChannelID pulls a stable identifier out of a video-channels
// listing entry. PeerTube channels carry a numeric id; some mirrors only
// expose the url-safe name, which is accepted as a fallback.
func extractChannelID(entry map[string]any) (string, bool) {
	if id, ok := toStringID(entry["id"]); ok {
		return id, true
	}
	if name, ok := entry["name"].(string); ok && name != "" {
		return name, true
	}
	return "", false
}

func toStringID(v any) (string, bool) {
	switch t := v.(type) {
	case float64:
		return fmt.Sprintf("%.0f", t), true
	case string:
		if t != "" {
			return t, true
		}
	}
	return "", false
}

// parseChannelEntry maps a video-channels entry to a Channel row. Entries
// lacking a stable id are rejected.
func parseChannelEntry(host, proto string, entry map[string]any) (models.Channel, bool) {
	id, ok := extractChannelID(entry)
	if !ok {
		return models.Channel{}, false
	}

	slug, _ := entry["name"].(string)
	displayName, _ := entry["displayName"].(string)
	channelName := displayName
	if channelName == "" {
		channelName = slug
	}

	channelURL, _ := entry["url"].(string)

	var videosCount *int64
	if n, ok := entry["videosCount"].(float64); ok {
		v := int64(n)
		videosCount = &v
	}

	var followersCount int64
	if n, ok := entry["followersCount"].(float64); ok {
		followersCount = int64(n)
	}

	avatarURL := extractAvatarURL(proto, host, entry)

	return models.Channel{
		ChannelID:      id,
		Host:           host,
		Slug:           slug,
		ChannelName:    channelName,
		DisplayName:    displayName,
		ChannelURL:     channelURL,
		VideosCount:    videosCount,
		FollowersCount: followersCount,
		AvatarURL:      avatarURL,
	}, true
}

// extractAvatarURL resolves a channel's avatar, which PeerTube nests as
// either avatar.path (relative, resolved against the page's winning
// protocol+host) or a flat avatarUrl string.
func extractAvatarURL(proto, host string, entry map[string]any) string {
	if avatar, ok := entry["avatar"].(map[string]any); ok {
		if path, ok := avatar["path"].(string); ok && path != "" {
			return resolveURL(proto, host, path)
		}
		if u, ok := avatar["url"].(string); ok && u != "" {
			return u
		}
	}
	if u, ok := entry["avatarUrl"].(string); ok && u != "" {
		return resolveURL(proto, host, u)
	}
	return ""
}

func resolveURL(proto, host, raw string) string {
	if len(raw) > 0 && raw[0] == '/' {
		return proto + "://" + host + raw
	}
	return raw
}
