package events

// Settings holds the change-bus transport configuration. When Enabled is false
// an in-process GoChannel bus is used and Addr/Group/Consumer are ignored.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "dashchat-mirror",
		Consumer: "mirror-1",
	}
}
