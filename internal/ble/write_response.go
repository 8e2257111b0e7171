//go:build darwin || windows

package ble

// Write uses a write with response so a rejected write is reported.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
