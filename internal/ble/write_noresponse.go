//go:build !darwin && !windows

package ble

// Write uses a write without response: the BlueZ backend has no
// acknowledged write, so only local failures (link gone, adapter error)
// are reported and the device does not confirm the command.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}
