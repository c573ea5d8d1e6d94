package main

import "fmt"

type Topics struct {
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	Namespace       string `yaml:"namespace"`
	PlatformStatus  string `yaml:"platform_status"`
}

// Discovery is the retained config topic of one device metric,
// `<prefix>/sensor/<uuid>_<key>/config`.
func (t Topics) Discovery(dev DeviceIdentity, key string) string {
	return fmt.Sprintf("%s/sensor/%s/config", t.DiscoveryPrefix, UniqueID(dev, key))
}

func (t Topics) State(dev DeviceIdentity) string {
	return fmt.Sprintf("%s/%s", t.Namespace, dev.UniqueID)
}

func (t Topics) Availability() string {
	return t.Namespace + "/availability"
}

func UniqueID(dev DeviceIdentity, key string) string {
	return dev.UniqueID + "_" + key
}

// ValueTemplate extracts a metric from the per device json state payload.
func ValueTemplate(key string) string {
	return "{{ value_json." + key + " }}"
}
