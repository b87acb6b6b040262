package config

// SupportedSinkPlatforms lists the distributor.Sink platforms this build
// knows how to construct from a BotConfigEntry. Used to validate
// config.yaml and rule seed files at load time before anything tries to
// wire a sink for an unrecognized platform.
func SupportedSinkPlatforms() []string {
	return []string{"telegram", "onebot"}
}

// IsSupportedSinkPlatform reports whether platform has a distributor.Sink
// implementation in this build.
func IsSupportedSinkPlatform(platform string) bool {
	for _, p := range SupportedSinkPlatforms() {
		if p == platform {
			return true
		}
	}
	return false
}
