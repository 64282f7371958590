package enrich

import "encoding/json"

// extractTags pulls the tags array out of a videos/{uuid} detail response
// and renders it as the JSON-encoded string stored in videos.tags_json.
// A response with no tags field at all renders as "[]", matching the
// stored convention that nil means "not yet fetched" and "[]" means
// "fetched, empty".
func extractTags(detail map[string]any) (string, error) {
	raw, ok := detail["tags"]
	if !ok {
		return "[]", nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return "[]", nil
	}

	tags := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			tags = append(tags, s)
		}
	}
	out, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// extractComments returns the first defined numeric alias encountered
// among the detail response's comment-count fields, per spec.md §9's open
// question resolution: "the source takes the first alias encountered."
func extractComments(detail map[string]any) (int64, bool) {
	for _, key := range []string{"comments", "commentsCount", "comments_count"} {
		raw, ok := detail[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return int64(v), true
		case map[string]any:
			if total, ok := v["total"].(float64); ok {
				return int64(total), true
			}
		}
	}
	return 0, false
}
