// SPDX-License-Identifier: MPL-2.0

package container

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// SELinuxLabelNone means no SELinux label is applied to the mount.
	SELinuxLabelNone SELinuxLabel = ""
	// SELinuxLabelShared allows sharing the volume between containers.
	SELinuxLabelShared SELinuxLabel = "z"
	// SELinuxLabelPrivate restricts the volume to a single container.
	SELinuxLabelPrivate SELinuxLabel = "Z"
)

// ErrInvalidVolumeMount is wrapped by mount parse errors.
var ErrInvalidVolumeMount = errors.New("invalid volume mount")

type (
	// SELinuxLabel represents an SELinux volume labeling option.
	SELinuxLabel string

	// VolumeMount represents a bind mount.
	VolumeMount struct {
		HostPath      string
		ContainerPath string
		ReadOnly      bool
		SELinux       SELinuxLabel
	}
)

// FormatVolumeMount renders host:container[:ro,z].
func FormatVolumeMount(mount VolumeMount) string {
	var sb strings.Builder
	sb.WriteString(mount.HostPath)
	sb.WriteString(":")
	sb.WriteString(mount.ContainerPath)

	var options []string
	if mount.ReadOnly {
		options = append(options, "ro")
	}
	if mount.SELinux != SELinuxLabelNone {
		options = append(options, string(mount.SELinux))
	}
	if len(options) > 0 {
		sb.WriteString(":")
		sb.WriteString(strings.Join(options, ","))
	}
	return sb.String()
}

// ParseVolumeMount parses host_path:container_path[:options], where options
// is a comma-separated list of ro, rw, z and Z.
func ParseVolumeMount(volume string) (VolumeMount, error) {
	parts := strings.Split(volume, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return VolumeMount{}, fmt.Errorf("%w %q: expected host:container[:options]", ErrInvalidVolumeMount, volume)
	}

	mount := VolumeMount{HostPath: parts[0], ContainerPath: parts[1]}
	if strings.TrimSpace(mount.HostPath) == "" || strings.TrimSpace(mount.ContainerPath) == "" {
		return VolumeMount{}, fmt.Errorf("%w %q: empty path", ErrInvalidVolumeMount, volume)
	}

	if len(parts) == 3 {
		for opt := range strings.SplitSeq(parts[2], ",") {
			switch opt {
			case "ro":
				mount.ReadOnly = true
			case "rw", "":
			case "z", "Z":
				mount.SELinux = SELinuxLabel(opt)
			default:
				return VolumeMount{}, fmt.Errorf("%w %q: unknown option %q", ErrInvalidVolumeMount, volume, opt)
			}
		}
	}
	return mount, nil
}
