package models

import "time"

// DeviceStatus is the scheduling state of a local or remote device.
type DeviceStatus string

const (
	DeviceIdle  DeviceStatus = "idle"
	DeviceBusy  DeviceStatus = "busy"
	DeviceError DeviceStatus = "error"
)

// Device is a local accelerator discovered at scheduler start.
type Device struct {
	ID            int          `json:"id"`
	Status        DeviceStatus `json:"status"`
	MemoryTotalMB int          `json:"memory_total_mb"`
}

// RemoteDevice is an inference node reachable over HTTP.
type RemoteDevice struct {
	Name       string       `json:"name"        yaml:"name"`
	IP         string       `json:"ip"          yaml:"ip"`
	Port       int          `json:"port"        yaml:"port"`
	DeviceType string       `json:"device_type" yaml:"device_type"`
	Status     DeviceStatus `json:"status"      yaml:"status"`
}

// DeviceSnapshot is one worker's view of its devices, published periodically
// so the API can report them.
type DeviceSnapshot struct {
	Worker    string         `json:"worker"`
	GPUs      []Device       `json:"gpus"`
	Remote    []RemoteDevice `json:"remote"`
	UpdatedAt time.Time      `json:"updated_at"`
}
