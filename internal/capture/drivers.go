package capture

import (
	// Register the platform capture drivers with pion/mediadevices.
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)
