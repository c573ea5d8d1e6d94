package main

// Represent a GPU as reported by the device listing.
// Identities are built once at startup and never modified afterwards.
type DeviceIdentity struct {
	Index    int
	Name     string
	UniqueID string
}

type Devices []DeviceIdentity

// Lookup returns the device with the given nvidia-smi index.
// Rows carry their own index, which doesn't have to follow enumeration order.
func (d Devices) Lookup(index int) (DeviceIdentity, bool) {
	for _, dev := range d {
		if dev.Index == index {
			return dev, true
		}
	}
	return DeviceIdentity{}, false
}

// Represent one column of the dmon stream.
// Empty DeviceClass or Unit means the entity has none.
type SensorDescriptor struct {
	Key         string
	Name        string
	DeviceClass string
	Unit        string
}

// Represent a single dmon data row.
// A nil value means the device reported no data for that metric, which is
// not the same as a measured zero.
type MetricRecord struct {
	DeviceIndex int
	Fields      map[string]*string
}
