package tscrypt

import (
	"fmt"
	"strings"
)

// VersionSign is a client version string signed by the vendor. Servers reject
// clientinit commands whose sign does not match version and platform.
type VersionSign struct {
	Name     string
	Platform string
	Sign     string
}

var (
	VersionWindows = VersionSign{
		Name:     "3.1 [Build: 1471417187]",
		Platform: "Windows",
		Sign:     "Vr9F7kbVorcrkV5b/Iw+feH9qmDGvfsW8tpa737zhc1fDpK5uaEo6M5l2DzgaGqqOr3GKl5A7PF9Sj6eTM26Aw==",
	}
	VersionLinux = VersionSign{
		Name:     "3.0.19.4 [Build: 1468491418]",
		Platform: "Linux",
		Sign:     "jvhhk75EV3nCGeewx4Y5zZmiZSN07q5ByKZ9Wlmg85aAbnw7c1jKq5/Iq0zY6dfGwCEwuKod0I5lQcVLf2NTCg==",
	}
)

// VersionByName returns a preset by platform name; empty selects Linux.
func VersionByName(name string) (VersionSign, error) {
	switch strings.ToLower(name) {
	case "", "linux":
		return VersionLinux, nil
	case "windows":
		return VersionWindows, nil
	default:
		return VersionSign{}, fmt.Errorf("unknown version preset %q", name)
	}
}
