package main

// Sensors returns the descriptor table for the columns printed by
// `nvidia-smi dmon -s pucvmet`. A fresh slice is returned on every call so
// callers can't alter the table seen by others.
func Sensors() []SensorDescriptor {
	return []SensorDescriptor{
		{Key: "pwr", Name: "Power Usage", DeviceClass: "power", Unit: "W"},
		{Key: "gtemp", Name: "GPU Temperature", DeviceClass: "temperature", Unit: "°C"},
		{Key: "mtemp", Name: "Memory Temperature", DeviceClass: "temperature", Unit: "°C"},
		{Key: "sm", Name: "SM Utilization", Unit: "%"},
		{Key: "mem", Name: "Memory Utilization", Unit: "%"},
		{Key: "enc", Name: "Encoder Utilization", Unit: "%"},
		{Key: "dec", Name: "Decoder Utilization", Unit: "%"},
		{Key: "jpg", Name: "JPEG Utilization", Unit: "%"},
		{Key: "ofa", Name: "Optical Flow Utilization", Unit: "%"},
		{Key: "mclk", Name: "Memory Clock", DeviceClass: "frequency", Unit: "MHz"},
		{Key: "pclk", Name: "Processor Clock", DeviceClass: "frequency", Unit: "MHz"},
		{Key: "pviol", Name: "Power Violation"},
		{Key: "tviol", Name: "Thermal Violation"},
		{Key: "fb", Name: "Frame Buffer", DeviceClass: "data_size", Unit: "MB"},
		{Key: "bar1", Name: "BAR1 Memory", DeviceClass: "data_size", Unit: "MB"},
		{Key: "ccpm", Name: "Compute Cluster Memory", DeviceClass: "data_size", Unit: "MB"},
		{Key: "sbecc", Name: "Single Bit ECC Errors", Unit: "errors"},
		{Key: "dbecc", Name: "Double Bit ECC Errors", Unit: "errors"},
		{Key: "pci", Name: "PCI Throughput", DeviceClass: "data_rate", Unit: "MB/s"},
		{Key: "rxpci", Name: "PCI Receive Throughput", DeviceClass: "data_rate", Unit: "MB/s"},
		{Key: "txpci", Name: "PCI Transmit Throughput", DeviceClass: "data_rate", Unit: "MB/s"},
	}
}
