package main

// Keyboard defaults: Keychron V3 Max running the volume-display firmware.
const (
	keychronVendorID       = 0x3434
	keychronV3MaxProductID = 0x0934
)

// Display writer defaults
const (
	defaultPacingMS = 50 // Pause after each keyboard write (ms); firmware processing budget
)

// Audio source defaults
const (
	defaultPWDumpCommand = "pw-dump"
	defaultLoopQueue     = 64 // Event loop task buffer
)

// Control surfaces
const (
	defaultIPCSocket     = "/tmp/qmkvolume.sock"
	defaultStateWSListen = "127.0.0.1:3002"
	defaultStateWSPath   = "/ws/state"
)
