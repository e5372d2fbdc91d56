package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MediaKind classifies a media file by extension.
type MediaKind int

const (
	MediaUnknown MediaKind = iota
	// MediaWebsafeVideo plays in the annotation UI without transcoding,
	// provided the codec is h264.
	MediaWebsafeVideo
	MediaVideo
	MediaWebsafeImage
	MediaImage
)

func (k MediaKind) String() string {
	switch k {
	case MediaWebsafeVideo:
		return "websafe-video"
	case MediaVideo:
		return "video"
	case MediaWebsafeImage:
		return "websafe-image"
	case MediaImage:
		return "image"
	default:
		return "unknown"
	}
}

// IsVideo reports whether k is either video kind.
func (k MediaKind) IsVideo() bool { return k == MediaWebsafeVideo || k == MediaVideo }

// IsImage reports whether k is either image kind.
func (k MediaKind) IsImage() bool { return k == MediaWebsafeImage || k == MediaImage }

var mediaExtensions = map[string]MediaKind{
	".mp4":  MediaWebsafeVideo,
	".webm": MediaWebsafeVideo,
	".avi":  MediaVideo,
	".mov":  MediaVideo,
	".mpg":  MediaVideo,
	".mpeg": MediaVideo,
	".mkv":  MediaVideo,
	".gif":  MediaWebsafeImage,
	".jpg":  MediaWebsafeImage,
	".jpeg": MediaWebsafeImage,
	".png":  MediaWebsafeImage,
	".tif":  MediaImage,
	".tiff": MediaImage,
	".sgi":  MediaImage,
	".bmp":  MediaImage,
	".pgm":  MediaImage,
	".avif": MediaImage,
}

// ClassifyMedia returns the kind of path based on its extension.
func ClassifyMedia(path string) MediaKind {
	return mediaExtensions[strings.ToLower(filepath.Ext(path))]
}

// ImageListing is the result of FindImages.
type ImageListing struct {
	// Images are file names relative to the folder, sorted.
	Images []string
	// ConvertList holds absolute paths of images the UI cannot display.
	ConvertList []string
}

// FindImages lists the image files directly inside folder. When glob is
// non-empty only file names matching it are kept.
func FindImages(folder, glob string) (ImageListing, error) {
	if glob != "" && !doublestar.ValidatePattern(glob) {
		return ImageListing{}, fmt.Errorf("invalid glob pattern %q", glob)
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return ImageListing{}, fmt.Errorf("read image folder: %w", err)
	}

	var out ImageListing
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		kind := ClassifyMedia(name)
		if !kind.IsImage() {
			continue
		}
		if glob != "" {
			ok, _ := doublestar.Match(glob, name)
			if !ok {
				continue
			}
		}
		out.Images = append(out.Images, name)
		if kind == MediaImage {
			out.ConvertList = append(out.ConvertList, filepath.Join(folder, name))
		}
	}
	sort.Strings(out.Images)
	sort.Strings(out.ConvertList)
	return out, nil
}
