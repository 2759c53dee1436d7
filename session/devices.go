package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/caisq/debugflow/graph"
)

// Device is a simulated execution unit. Each device runs the nodes placed on
// it on its own worker goroutine during a Run.
type Device struct {
	// Name is the full device name, e.g. "/job:localhost/replica:0/task:0/cpu:0".
	Name string

	// Type is the device type, e.g. "CPU".
	Type string

	// Num is the index of the device within its type.
	Num int
}

// String implements fmt.Stringer.
func (d *Device) String() string { return d.Name }

// DeviceName builds the full name of a device from its type and index.
func DeviceName(deviceType string, num int) string {
	return fmt.Sprintf("/job:localhost/replica:0/task:0/%s:%d", strings.ToLower(deviceType), num)
}

// makeDevices expands a device-count configuration into the device list.
// Device types are instantiated in sorted order so device numbering is stable.
func makeDevices(deviceCount map[string]int) ([]*Device, error) {
	if len(deviceCount) == 0 {
		deviceCount = map[string]int{"CPU": 1}
	}
	deviceTypes := make([]string, 0, len(deviceCount))
	for deviceType, count := range deviceCount {
		if count <= 0 {
			return nil, errors.Errorf("device count for type %q must be positive, got %d", deviceType, count)
		}
		deviceTypes = append(deviceTypes, deviceType)
	}
	sort.Strings(deviceTypes)
	var devices []*Device
	for _, deviceType := range deviceTypes {
		for num := 0; num < deviceCount[deviceType]; num++ {
			devices = append(devices, &Device{
				Name: DeviceName(deviceType, num),
				Type: deviceType,
				Num:  num,
			})
		}
	}
	return devices, nil
}

// placeNode returns the device a node executes on: its assigned device if it
// names one of the session's devices, or a round-robin pick for unassigned
// nodes. An assigned device may be given in full or as a "/<type>:<num>"
// suffix. Called with s.mu held.
func (s *Session) placeNode(node *graph.Node) (*Device, error) {
	assigned := node.AssignedDevice()
	if assigned == "" {
		return s.devices[len(s.placed)%len(s.devices)], nil
	}
	lowered := strings.ToLower(assigned)
	for _, device := range s.devices {
		if device.Name == lowered || strings.HasSuffix(device.Name, lowered) {
			return device, nil
		}
	}
	return nil, errors.Errorf("session %s: node %q assigned to unknown device %q (have %d devices: %s...)",
		s.id, node.Name(), assigned, len(s.devices), s.devices[0])
}
