package video

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/denikryt/peertube-crawler/internal/store/models"
)

// extractVideoID pulls a stable identifier out of a video listing entry,
// preferring the upstream uuid over the numeric id, per spec.md §3's
// "video_id is the upstream uuid or numeric id as a string."
//
// The uuid field is validated with uuid.Parse and normalized to its
// canonical hyphenated lowercase form before use as primary-key material;
// an upstream value that merely looks like a uuid but fails to parse (seen
// on a handful of older PeerTube forks that reuse the field for a slug)
// falls back to the numeric id instead of being trusted verbatim.
func extractVideoID(entry map[string]any) (string, bool) {
	if raw, ok := entry["uuid"].(string); ok && raw != "" {
		if parsed, err := uuid.Parse(raw); err == nil {
			return parsed.String(), true
		}
	}
	switch v := entry["id"].(type) {
	case float64:
		return fmt.Sprintf("%.0f", v), true
	case string:
		if v != "" {
			return v, true
		}
	}
	return "", false
}

// parseVideoEntry maps a video-channels/{slug}/videos listing entry to a
// Video row. Entries lacking a stable id are rejected by the caller via the
// bool return.
func parseVideoEntry(host, proto, channelID, channelName string, entry map[string]any) (models.Video, bool) {
	id, ok := extractVideoID(entry)
	if !ok {
		return models.Video{}, false
	}

	title, _ := entry["name"].(string)
	description, _ := entry["description"].(string)

	category := extractCategory(entry)
	accountName := extractAccountName(entry)

	var publishedAt int64
	if s, ok := entry["publishedAt"].(string); ok && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			publishedAt = t.UnixMilli()
		}
	}

	thumbnailURL := resolvePath(proto, host, entry, "thumbnailPath")
	embedURL := resolvePath(proto, host, entry, "embedPath")
	watchURL := proto + "://" + host + "/videos/watch/" + id

	views := extractInt(entry["views"])
	likes := extractInt(entry["likes"])
	dislikes := extractInt(entry["dislikes"])
	nsfw, _ := entry["nsfw"].(bool)

	return models.Video{
		VideoID:      id,
		Host:         host,
		ChannelID:    channelID,
		ChannelName:  channelName,
		AccountName:  accountName,
		Title:        title,
		Description:  description,
		Category:     category,
		PublishedAt:  publishedAt,
		ThumbnailURL: thumbnailURL,
		EmbedURL:     embedURL,
		WatchURL:     watchURL,
		Views:        views,
		Likes:        likes,
		Dislikes:     dislikes,
		NSFW:         nsfw,
	}, true
}

func extractCategory(entry map[string]any) string {
	if cat, ok := entry["category"].(map[string]any); ok {
		if label, ok := cat["label"].(string); ok && label != "" {
			return label
		}
	}
	if label, ok := entry["categoryLabel"].(string); ok {
		return label
	}
	return ""
}

func extractAccountName(entry map[string]any) string {
	if acc, ok := entry["account"].(map[string]any); ok {
		if name, ok := acc["displayName"].(string); ok && name != "" {
			return name
		}
		if name, ok := acc["name"].(string); ok {
			return name
		}
	}
	return ""
}

func extractInt(v any) int64 {
	if n, ok := v.(float64); ok {
		return int64(n)
	}
	return 0
}

func resolvePath(proto, host string, entry map[string]any, key string) string {
	raw, ok := entry[key].(string)
	if !ok || raw == "" {
		return ""
	}
	if len(raw) > 0 && raw[0] == '/' {
		return proto + "://" + host + raw
	}
	return raw
}
