package chatmodel

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

var backgroundPalette = []string{"#fba76f", "#80d066", "#73cdd0", "#ecd074", "#6fb1e4", "#f98bae"}

// AvatarPlaceholder builds up to three initials from the words of name.
// Single-letter words are skipped.
func AvatarPlaceholder(name string) string {
	var b strings.Builder
	n := 0
	for _, word := range strings.Fields(name) {
		if utf8.RuneCountInString(word) <= 1 || n >= 3 {
			continue
		}
		r, _ := utf8.DecodeRuneInString(word)
		b.WriteString(strings.ToUpper(string(r)))
		n++
	}
	return b.String()
}

// BackgroundColor picks a stable palette entry from the last character of name.
func BackgroundColor(name string) string {
	if name == "" {
		return backgroundPalette[0]
	}
	r, _ := utf8.DecodeLastRuneInString(name)
	return backgroundPalette[int(r)%len(backgroundPalette)]
}

// ThumbImageURL returns the profile thumbnail location of uid in a storage bucket.
func ThumbImageURL(baseURL, bucket, uid string) string {
	if baseURL == "" || uid == "" {
		return ""
	}
	return baseURL + bucket + "/o/profiles%2F" + url.PathEscape(uid) + "%2Fthumb_photo.jpg?alt=media"
}
