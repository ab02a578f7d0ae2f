package isolation

import (
	"context"
	"fmt"
	"log"
)

// Options carries the driver configuration for selection.
type Options struct {
	Backend   string // "auto", "microvm", "container", "process"
	MicroVM   MicroVMConfig
	Container ContainerConfig
	Process   []string // extra allow-list entries
}

// Select returns the driver for the configured backend. "auto" picks the
// microVM driver when its binary, kernel, and rootfs are present, then
// the container driver when the runtime daemon answers, and falls back to
// the process driver.
func Select(ctx context.Context, opts Options) (Driver, error) {
	switch opts.Backend {
	case "microvm":
		d := NewMicroVMDriver(opts.MicroVM)
		if !d.Available() {
			return nil, fmt.Errorf("microvm backend requested but binary, kernel or rootfs is missing")
		}
		return d, nil
	case "container":
		d := NewContainerDriver(opts.Container)
		if !d.DaemonReachable(ctx) {
			return nil, fmt.Errorf("container backend requested but %s is not reachable", opts.Container.Bin)
		}
		return d, nil
	case "process":
		return NewProcessDriver(opts.Process), nil
	case "auto", "":
		if d := NewMicroVMDriver(opts.MicroVM); d.Available() {
			log.Printf("isolation: auto-selected microvm backend")
			return d, nil
		}
		if d := NewContainerDriver(opts.Container); d.DaemonReachable(ctx) {
			log.Printf("isolation: auto-selected container backend")
			return d, nil
		}
		log.Printf("isolation: falling back to process backend (no kernel-level isolation)")
		return NewProcessDriver(opts.Process), nil
	default:
		return nil, fmt.Errorf("unknown isolation backend %q", opts.Backend)
	}
}
