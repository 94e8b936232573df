package session

import (
	"fmt"
	"regexp"
	"strconv"
)

var bannerVersion = regexp.MustCompile(`^Linux version (\d+)\.(\d+)(?:\.(\d+))?`)

// KernelVersion is the version parsed from linux_banner. The zero value
// means unknown.
type KernelVersion struct {
	Major, Minor, Patch int
}

func ParseKernelVersion(banner string) (KernelVersion, bool) {
	m := bannerVersion.FindStringSubmatch(banner)
	if m == nil {
		return KernelVersion{}, false
	}
	var v KernelVersion
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}
	return v, true
}

func (v KernelVersion) Known() bool { return v.Major != 0 }

// Less reports whether v is older than major.minor.
func (v KernelVersion) Less(major, minor int) bool {
	if v.Major != major {
		return v.Major < major
	}
	return v.Minor < minor
}

func (v KernelVersion) String() string {
	if !v.Known() {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
