package domain

// Settings is the side-effect configuration of a dashboard.
type Settings struct {
	AutoPrintOnReceive   bool
	AutoPrintOnStartPrep bool
	AutoPrintOnReady     bool
	AutoPrintOnComplete  bool
	SoundOnNewOrder      bool
	SoundOnReady         bool
}

// DefaultSettings mirrors a freshly installed dashboard: chimes on, printing off.
func DefaultSettings() Settings {
	return Settings{SoundOnNewOrder: true, SoundOnReady: true}
}
