package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/Masterminds/semver"
)

// ErrUnsupportedVersion is returned when the server binary is older than
// the minimum version providing native import and export.
var ErrUnsupportedVersion = errors.New("unsupported server version")

var versionPattern = regexp.MustCompile(`v(\d+\.\d+\.\d+)`)

// ParseVersion extracts the release version from `-version` output such as
// "victoria-metrics-20240301-120000-tags-v1.99.0-0-g1234abcd".
func ParseVersion(output string) (*semver.Version, error) {
	match := versionPattern.FindStringSubmatch(output)
	if match == nil {
		return nil, fmt.Errorf("no version found in %q", output)
	}
	return semver.NewVersion(match[1])
}

// CheckVersion runs `<binary> -version` and verifies the reported release is
// at least minimum.
func CheckVersion(ctx context.Context, binary, minimum string, env ...string) (*semver.Version, error) {
	minVersion, err := semver.NewVersion(minimum)
	if err != nil {
		return nil, fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	cmd := exec.CommandContext(ctx, binary, "-version")
	cmd.Env = append(cmd.Environ(), env...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run %s -version: %w", binary, err)
	}
	version, err := ParseVersion(string(output))
	if err != nil {
		return nil, err
	}
	if version.LessThan(minVersion) {
		return version, fmt.Errorf("%w: %s < %s", ErrUnsupportedVersion, version, minVersion)
	}
	return version, nil
}
