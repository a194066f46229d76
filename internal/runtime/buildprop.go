package runtime

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/hookguard/hookguard/internal/safe"
)

// Property keys read from build.prop.
const (
	PropSDK     = "ro.build.version.sdk"
	PropRelease = "ro.build.version.release"
)

const maxBuildPropSize = 1 << 20

// BuildProps are the key/value pairs of an Android build.prop file.
type BuildProps map[string]string

// ReadBuildProps reads and parses the property file at path.
func ReadBuildProps(path string) (BuildProps, error) {
	data, err := safe.ReadFile(path, &safe.ReadOptions{MaxSize: maxBuildPropSize, AllowSymlinks: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseBuildProps(data)
}

// ParseBuildProps parses key=value lines. Blank lines, comments and
// import directives are skipped; later keys override earlier ones.
func ParseBuildProps(data []byte) (BuildProps, error) {
	props := BuildProps{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "import ") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan build properties: %w", err)
	}
	return props, nil
}

// SDK returns the API level.
func (p BuildProps) SDK() (int, error) {
	v, ok := p[PropSDK]
	if !ok {
		return 0, fmt.Errorf("%s not set", PropSDK)
	}
	api, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", PropSDK, v, err)
	}
	return api, nil
}

// APILevel returns the configured level when positive, otherwise the one
// recorded in the build.prop file at path.
func APILevel(configured int, path string) (int, error) {
	if configured > 0 {
		return configured, nil
	}
	props, err := ReadBuildProps(path)
	if err != nil {
		return 0, err
	}
	return props.SDK()
}
