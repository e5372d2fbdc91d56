package handlers

import (
	"net/http"
	"runtime"

	apperrors "github.com/3leaps/viamerun/internal/errors"
)

type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

var versionInfo = VersionResponse{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata for /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	resp := versionInfo
	resp.GoVersion = runtime.Version()
	resp.Platform = runtime.GOOS + "/" + runtime.GOARCH
	apperrors.WriteJSON(w, http.StatusOK, resp)
}
