package iothub

import (
	"fmt"
	"os"
	"strings"
)

// Connection string keys.
const (
	keyHostName        = "HostName"
	keyDeviceID        = "DeviceId"
	keySharedAccessKey = "SharedAccessKey"
	keyModuleID        = "ModuleId"
)

// ParseConnectionString builds a Device from a connection string of the form
//
//	HostName=<hub host>;DeviceId=<device id>;SharedAccessKey=<base64 key>
//
// HostName and DeviceId are required. SharedAccessKey may be left out for devices
// that authenticate with a private key; set PrivKeyPath on the returned Device.
func ParseConnectionString(cs string) (*Device, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(strings.TrimSpace(cs), ";") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed segment %q", ErrInvalidConnectionString, part)
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	d := &Device{
		HostName:        fields[keyHostName],
		DeviceID:        fields[keyDeviceID],
		ModuleID:        fields[keyModuleID],
		SharedAccessKey: fields[keySharedAccessKey],
	}
	if d.HostName == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidConnectionString, keyHostName)
	}
	if d.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidConnectionString, keyDeviceID)
	}
	return d, nil
}

// ConnectionString returns the connection string that ParseConnectionString would turn into d.
func (d *Device) ConnectionString() string {
	parts := []string{keyHostName + "=" + d.HostName, keyDeviceID + "=" + d.DeviceID}
	if d.ModuleID != "" {
		parts = append(parts, keyModuleID+"="+d.ModuleID)
	}
	if d.SharedAccessKey != "" {
		parts = append(parts, keySharedAccessKey+"="+d.SharedAccessKey)
	}
	return strings.Join(parts, ";")
}

// ReadConnectionString reads a connection string saved with WriteConnectionString.
func ReadConnectionString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("iothub: connection string file does not exist: %v", path)
		}
		return "", fmt.Errorf("iothub: failed to read connection string: %w", err)
	}

	cs := strings.TrimSpace(string(b))
	if cs == "" {
		return "", fmt.Errorf("%w: %v is empty", ErrInvalidConnectionString, path)
	}
	return cs, nil
}

// WriteConnectionString saves a connection string so that it survives restarts.
// The file is readable only by its owner because the string holds the device key.
func WriteConnectionString(path, cs string) error {
	if _, err := ParseConnectionString(cs); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(cs+"\n"), 0600); err != nil {
		return fmt.Errorf("iothub: failed to write connection string: %w", err)
	}
	return nil
}
