package common

import (
	"fmt"
	"strings"
)

// Must be manually updated!
// Before releasing: Verify the version number and set Prerelease to ""
// After releasing: Increase the Patch number and set Prerelease to "pre"
var version = Version{
	Major:      0,
	Minor:      3,
	Patch:      0,
	Prerelease: "pre",
}

// Set via -ldflags. Example:
//
//	go install -ldflags "-X github.com/drand/tally/common.BUILDDATE=`date -u +%d/%m/%Y@%H:%M:%S` -X github.com/drand/tally/common.COMMIT=`git rev-parse HEAD`"
var (
	COMMIT    = ""
	BUILDDATE = ""
)

func GetAppVersion() Version {
	return version
}

type Version struct {
	Major      uint32 `json:"major"`
	Minor      uint32 `json:"minor"`
	Patch      uint32 `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
}

// IsCompatible reports whether a client at v can talk to a daemon at verRcv.
// The stored records changed shape between minor versions, so both must agree
// on major and minor.
func (v Version) IsCompatible(verRcv Version) bool {
	if verRcv.Major == 0 && verRcv.Minor == 0 && verRcv.Patch == 0 {
		return true
	}
	if v.Major == 0 && v.Minor == 0 && v.Patch == 0 {
		return true
	}

	return v.Major == verRcv.Major && v.Minor == verRcv.Minor
}

func (v Version) String() string {
	pre := v.Prerelease
	if pre != "" && !strings.HasPrefix(pre, "-") && !strings.HasPrefix(pre, "+") {
		pre = "-" + pre
	}
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, pre)
}
