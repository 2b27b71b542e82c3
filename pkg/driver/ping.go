package driver

import (
	"math/rand"
	"os"

	"go.uber.org/zap"
)

const PingLength = 16

// PingDriver implements a ping driver for testing server connectivity
type PingDriver struct {
	data        []byte
	isShutdown  bool
	alreadySent bool
	log         *zap.Logger
}

// NewPingDriver creates a new ping driver with random data. If logger
// is nil, a no-op logger is used.
func NewPingDriver(logger *zap.Logger) *PingDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	data := make([]byte, PingLength)
	for i := 0; i < PingLength; i++ {
		data[i] = byte(rand.Intn(26) + 'a')
	}

	return &PingDriver{
		data: data,
		log:  logger,
	}
}

// DataReceived handles ping response
func (d *PingDriver) DataReceived(data []byte) {
	if string(data) == string(d.data) {
		d.log.Info("ping response received, this looks like a valid server")
		os.Exit(0)
	} else {
		d.log.Warn("ping response received but data mismatched",
			zap.ByteString("expected", d.data), zap.ByteString("received", data))
	}
}

// GetOutgoing returns ping data (only once)
func (d *PingDriver) GetOutgoing(maxLength int) []byte {
	if d.alreadySent {
		return []byte{}
	}
	d.alreadySent = true

	if PingLength > maxLength && maxLength > 0 {
		d.log.Error("ping packet too long for this transport's length restrictions")
		os.Exit(1)
	}

	result := make([]byte, PingLength)
	copy(result, d.data)
	return result
}

// Close closes the driver
func (d *PingDriver) Close() {
	d.isShutdown = true
}

// IsClosed returns true if driver is shut down
func (d *PingDriver) IsClosed() bool {
	return d.isShutdown
}
