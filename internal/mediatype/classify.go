// Package mediatype decides how an incoming file is categorized and whether it
// must be transcoded before hand-off to the public repository. Classification
// is a pure function of the file name and MIME type; it never touches disk.
package mediatype

import (
	"path/filepath"
	"strings"
)

// Category is the coarse media type used for conversion dispatch.
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
	CategoryAudio Category = "audio"
	CategoryRaw   Category = "raw"
)

// Classification is the result of mapping a file onto the repository's format
// policy. TargetFormat is empty when no conversion is required.
type Classification struct {
	Category          Category
	OriginalFormat    string
	TargetFormat      string
	NeedsConversion   bool
	NativelySupported bool
}

type conversionRule struct {
	category Category
	target   string
}

// conversionTable lists extensions that are always normalized, regardless of
// MIME type and regardless of whether the repository would technically accept
// the source format. Product policy favors normalized outputs for these.
var conversionTable = map[string]conversionRule{
	"heic": {CategoryImage, "jpeg"},
	"webp": {CategoryImage, "jpeg"},
	"bmp":  {CategoryImage, "jpeg"},

	"cr2": {CategoryRaw, "tiff"},
	"cr3": {CategoryRaw, "tiff"},
	"nef": {CategoryRaw, "tiff"},
	"arw": {CategoryRaw, "tiff"},
	"dng": {CategoryRaw, "tiff"},
	"rw2": {CategoryRaw, "tiff"},
	"orf": {CategoryRaw, "tiff"},
	"raf": {CategoryRaw, "tiff"},

	"mp4": {CategoryVideo, "webm"},
	"mov": {CategoryVideo, "webm"},
	"avi": {CategoryVideo, "webm"},
	"mkv": {CategoryVideo, "webm"},
	"m4v": {CategoryVideo, "webm"},
	"flv": {CategoryVideo, "webm"},
	"wmv": {CategoryVideo, "webm"},

	"mp3": {CategoryAudio, "ogg"},
	"aac": {CategoryAudio, "ogg"},
	"m4a": {CategoryAudio, "ogg"},
	"wma": {CategoryAudio, "ogg"},
}

// nativeFormats lists extensions the repository accepts without transcoding.
var nativeFormats = map[Category]map[string]struct{}{
	CategoryImage: set("jpg", "jpeg", "png", "svg", "gif", "tif", "tiff", "xcf", "pdf", "djvu"),
	CategoryVideo: set("webm", "ogv"),
	CategoryAudio: set("ogg", "oga", "opus", "wav", "flac", "midi", "mid"),
	CategoryRaw:   {},
}

// defaultTargets is the per-category fallback when a file is neither in the
// conversion table nor natively supported.
var defaultTargets = map[Category]string{
	CategoryImage: "jpeg",
	CategoryVideo: "webm",
	CategoryAudio: "ogg",
	CategoryRaw:   "tiff",
}

// exportWhitelist limits the formats a user may explicitly request per
// category. Anything outside the whitelist falls back to Classify's choice.
var exportWhitelist = map[Category]map[string]struct{}{
	CategoryImage: set("jpeg", "png", "tiff", "webp"),
	CategoryVideo: set("webm", "ogv"),
	CategoryAudio: set("ogg", "opus", "flac", "wav"),
	CategoryRaw:   set("tiff", "png", "jpeg"),
}

func set(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// Classify maps a file name and MIME type onto the format policy.
//
// The conversion table wins unconditionally. On a miss, the category is
// derived from the MIME prefix (falling back to the extension's presence in a
// native table), and the native tables decide whether transcoding is needed.
// Files that match nothing are treated as images.
func Classify(fileName, mimeType string) Classification {
	ext := Extension(fileName)

	if rule, ok := conversionTable[ext]; ok {
		return Classification{
			Category:          rule.category,
			OriginalFormat:    ext,
			TargetFormat:      rule.target,
			NeedsConversion:   true,
			NativelySupported: false,
		}
	}

	category, ok := categoryFromMIME(mimeType)
	if !ok {
		category = categoryFromExtension(ext)
	}

	if _, native := nativeFormats[category][ext]; native {
		return Classification{
			Category:          category,
			OriginalFormat:    ext,
			NativelySupported: true,
		}
	}
	return Classification{
		Category:        category,
		OriginalFormat:  ext,
		TargetFormat:    defaultTargets[category],
		NeedsConversion: true,
	}
}

// ApplyRequestedTarget honors an explicit user format choice when it is on the
// category's export whitelist; otherwise the original classification stands.
func ApplyRequestedTarget(cls Classification, requested string) Classification {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested == "" {
		return cls
	}
	if _, ok := exportWhitelist[cls.Category][requested]; !ok {
		return cls
	}
	if requested == cls.OriginalFormat && cls.NativelySupported {
		return cls
	}
	cls.TargetFormat = requested
	cls.NeedsConversion = true
	return cls
}

// Extension returns the lowercase extension of name without the leading dot,
// or the empty string when name has none.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func categoryFromMIME(mimeType string) (Category, bool) {
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return CategoryImage, true
	case strings.HasPrefix(mimeType, "video/"):
		return CategoryVideo, true
	case strings.HasPrefix(mimeType, "audio/"):
		return CategoryAudio, true
	}
	return "", false
}

// categoryFromExtension is the fallback when the MIME type carries no media
// prefix: whichever native table contains the extension decides the category.
func categoryFromExtension(ext string) Category {
	for _, category := range []Category{CategoryImage, CategoryVideo, CategoryAudio} {
		if _, ok := nativeFormats[category][ext]; ok {
			return category
		}
	}
	return CategoryImage
}
