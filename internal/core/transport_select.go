package core

import (
	"github.com/silverpine/hwbridge/internal/config"
	"github.com/silverpine/hwbridge/internal/device"
)

// NewTransportFactory builds the TransportFactory (spec A2 "transport
// registry") a Controller uses to (re)connect: it picks a device.Transport
// kind from settings each time it is called, so toggling settings.WebUSB
// at runtime (TRANSPORT.DISABLE_WEBUSB) takes effect on the next connect.
func NewTransportFactory(settings *config.Settings) TransportFactory {
	return func() (device.Transport, error) {
		switch {
		case settings.BridgeEndpoint != "":
			return device.DialBridge(settings.BridgeEndpoint)
		case settings.WebUSB:
			return device.NewMemoryTransport(device.KindWebUSB), nil
		default:
			return device.NewMemoryTransport(device.KindUSB), nil
		}
	}
}
