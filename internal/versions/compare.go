package versions

import "github.com/Masterminds/semver/v3"

// Compare orders two record versions. Both are compared as semantic versions
// when they parse as such; otherwise the raw strings are compared. The result
// is -1, 0 or 1.
func Compare(a, b string) int {
	av, errA := semver.NewVersion(a)
	bv, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return av.Compare(bv)
}

// IsNewerVersion reports whether newVersion is strictly greater than oldVersion
func IsNewerVersion(newVersion, oldVersion string) bool {
	return Compare(newVersion, oldVersion) > 0
}

// Newest returns the greatest version in vs, or "" when vs is empty
func Newest(vs ...string) string {
	var newest string
	for i, v := range vs {
		if i == 0 || IsNewerVersion(v, newest) {
			newest = v
		}
	}
	return newest
}
