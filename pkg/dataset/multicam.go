package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// MultiCamArgs selects the media of a multi-camera import. Exactly one of
// FolderList or GlobList is used.
type MultiCamArgs struct {
	// FolderList maps camera name to an image folder or a video file.
	FolderList map[string]string `json:"folderList,omitempty"`

	// GlobList maps camera name to a file-name glob inside KeywordFolder.
	GlobList      map[string]string `json:"globList,omitempty"`
	KeywordFolder string            `json:"keywordFolder,omitempty"`

	DefaultDisplay  string `json:"defaultDisplay"`
	CalibrationFile string `json:"calibrationFile,omitempty"`
}

func (a MultiCamArgs) isFolderArgs() bool  { return len(a.FolderList) > 0 && a.DefaultDisplay != "" }
func (a MultiCamArgs) isKeywordArgs() bool { return len(a.GlobList) > 0 && a.DefaultDisplay != "" }

// ImportPayload is a dataset ready to be created plus the media that must be
// transcoded first.
type ImportPayload struct {
	Meta             Meta     `json:"jsonMeta"`
	GlobPattern      string   `json:"globPattern"`
	MediaConvertList []string `json:"mediaConvertList"`
}

// MediaChecker reports whether a video is already web-safe.
type MediaChecker func(path string) (bool, error)

// BeginMultiCamImport validates a multi-camera import and builds its
// metadata. The default display camera decides whether the dataset is a
// video or an image sequence.
func BeginMultiCamImport(args MultiCamArgs, checkMedia MediaChecker) (*ImportPayload, error) {
	cameras := map[string]Camera{}
	var mainFolder string

	switch {
	case args.isFolderArgs():
		for _, key := range sortedKeys(args.FolderList) {
			folder := args.FolderList[key]
			if _, err := os.Stat(folder); err != nil {
				return nil, fmt.Errorf("file or directory for %s not found: %s", key, folder)
			}
			if key == args.DefaultDisplay {
				mainFolder = folder
			}
			cameras[key] = Camera{BasePath: folder}
		}
	case args.isKeywordArgs():
		if _, err := os.Stat(args.KeywordFolder); err != nil {
			return nil, fmt.Errorf("file or directory not found: %s", args.KeywordFolder)
		}
		mainFolder = args.KeywordFolder
		for key := range args.GlobList {
			cameras[key] = Camera{BasePath: args.KeywordFolder}
		}
	}
	if mainFolder == "" {
		return nil, errors.New("no main folder defined")
	}

	info, err := os.Stat(mainFolder)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", mainFolder, err)
	}
	var dsType Type
	switch {
	case info.IsDir():
		dsType = TypeImageSequence
	case info.Mode().IsRegular():
		dsType = TypeVideo
		for key, cam := range cameras {
			cam.BasePath = filepath.Dir(cam.BasePath)
			cameras[key] = cam
		}
	default:
		return nil, errors.New("only regular files and directories are supported")
	}

	name := filepath.Base(filepath.Dir(mainFolder))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("no parent folder for %s folder", args.DefaultDisplay)
	}

	meta := Meta{
		Version:          MetaCurrentVersion,
		ID:               NewDatasetID(name),
		Name:             name,
		Type:             dsType,
		FPS:              DefaultFPS,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
		OriginalBasePath: mainFolder,
		MultiCam: &MultiCam{
			Cameras:     cameras,
			Calibration: args.CalibrationFile,
			Display:     args.DefaultDisplay,
		},
	}

	var convert []string
	if dsType == TypeVideo {
		meta.OriginalBasePath = filepath.Dir(mainFolder)
		if args.isKeywordArgs() {
			return nil, errors.New("glob pattern matching is not supported for multi-cam videos")
		}
		for _, key := range sortedKeys(args.FolderList) {
			video := args.FolderList[key]
			if key == args.DefaultDisplay {
				meta.OriginalVideoFile = filepath.Base(video)
			}
			needs, err := videoNeedsConversion(video, checkMedia)
			if err != nil {
				return nil, err
			}
			if needs {
				convert = append(convert, video)
			}
			cam := cameras[key]
			cam.VideoFile = filepath.Base(video)
			cameras[key] = cam
		}
	} else {
		if args.isFolderArgs() {
			for _, key := range sortedKeys(args.FolderList) {
				folder := args.FolderList[key]
				found, err := FindImages(folder, "")
				if err != nil {
					return nil, err
				}
				if len(found.Images) == 0 {
					return nil, fmt.Errorf("no images found in %s", folder)
				}
				cam := cameras[key]
				cam.Filenames = found.Images
				cameras[key] = cam
				convert = append(convert, found.ConvertList...)
			}
		} else {
			for _, key := range sortedKeys(args.GlobList) {
				found, err := FindImages(args.KeywordFolder, args.GlobList[key])
				if err != nil {
					return nil, err
				}
				cam := cameras[key]
				cam.Filenames = found.Images
				cameras[key] = cam
				convert = append(convert, found.ConvertList...)
			}
		}
	}

	return &ImportPayload{Meta: meta, MediaConvertList: convert}, nil
}

func videoNeedsConversion(video string, checkMedia MediaChecker) (bool, error) {
	kind := ClassifyMedia(video)
	switch {
	case kind.IsImage():
		return false, fmt.Errorf("image file chosen for video import: %s", video)
	case kind == MediaVideo:
		return true, nil
	case kind == MediaWebsafeVideo:
		if checkMedia == nil {
			return false, nil
		}
		websafe, err := checkMedia(video)
		if err != nil {
			return false, fmt.Errorf("check media %s: %w", video, err)
		}
		return !websafe, nil
	default:
		return false, fmt.Errorf("unsupported media type for video %s", video)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
