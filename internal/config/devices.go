package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

type devicesFile struct {
	Devices []models.RemoteDevice `yaml:"devices"`
}

// LoadRemoteDevices reads the static remote-device list:
//
//	devices:
//	  - name: gpu-node-1
//	    ip: 192.168.230.29
//	    port: 8000
//	    device_type: cuda
func LoadRemoteDevices(path string) ([]models.RemoteDevice, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading REMOTE_DEVICES_FILE: %w", err)
	}

	var f devicesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing REMOTE_DEVICES_FILE %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Devices))
	for i := range f.Devices {
		d := &f.Devices[i]
		if d.Name == "" {
			return nil, fmt.Errorf("remote device %d: name is required", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("remote device %q: duplicate name", d.Name)
		}
		seen[d.Name] = true
		if d.IP == "" {
			return nil, fmt.Errorf("remote device %q: ip is required", d.Name)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return nil, fmt.Errorf("remote device %q: port must be 1-65535, got %d", d.Name, d.Port)
		}
		if d.DeviceType == "" {
			d.DeviceType = "cuda"
		}
		d.Status = models.DeviceIdle
	}
	return f.Devices, nil
}
