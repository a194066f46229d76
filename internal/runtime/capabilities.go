package runtime

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Linux capability bit positions (from include/uapi/linux/capability.h).
const (
	capDacOverride = 1  // CAP_DAC_OVERRIDE
	capSysPtrace   = 19 // CAP_SYS_PTRACE
	capSysAdmin    = 21 // CAP_SYS_ADMIN
)

// Privileges are the privileges of the calling process relevant to foreign
// memory access.
type Privileges struct {
	Root        bool
	SysPtrace   bool
	SysAdmin    bool
	DacOverride bool
}

// CanAccess reports whether another process's memory can be read and written
// regardless of ownership.
func (p Privileges) CanAccess() bool {
	return p.Root || p.SysPtrace
}

// ReadPrivileges reads the effective capabilities from a /proc status file.
// Root is taken from the effective uid and is set even when the file cannot
// be read.
func ReadPrivileges(statusPath string) (Privileges, error) {
	privs := Privileges{Root: os.Geteuid() == 0}

	capEff, err := readCapabilityBitmask(statusPath, "CapEff")
	if err != nil {
		return privs, fmt.Errorf("failed to read capabilities: %w", err)
	}

	privs.SysPtrace = hasCapability(capEff, capSysPtrace)
	privs.SysAdmin = hasCapability(capEff, capSysAdmin)
	privs.DacOverride = hasCapability(capEff, capDacOverride)
	return privs, nil
}

// readCapabilityBitmask reads a capability bitmask from a /proc status file.
func readCapabilityBitmask(procStatusPath, capName string) (uint64, error) {
	//nolint:gosec // G304: Path is a /proc status file.
	file, err := os.Open(procStatusPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", procStatusPath, err)
	}
	defer file.Close() // nolint:errcheck

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, capName+":") {
			continue
		}

		// Format: "CapEff:\t00000000a80435fb"
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return 0, fmt.Errorf("invalid %s format: %s", capName, line)
		}

		bitmask, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s bitmask: %w", capName, err)
		}

		return bitmask, nil
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", procStatusPath, err)
	}

	return 0, fmt.Errorf("%s not found in %s", capName, procStatusPath)
}

// hasCapability checks if a specific capability bit is set in the bitmask.
func hasCapability(bitmask uint64, capBit int) bool {
	return (bitmask & (1 << uint(capBit))) != 0
}
