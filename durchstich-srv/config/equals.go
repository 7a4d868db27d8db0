package config

// HasChanged returns true if the configuration has changed compared to
// another config. Fields are compared explicitly, without reflection,
// so a reload only restarts the tunnels when something that affects
// serving actually differs.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}

	if len(a.Tunnels) != len(b.Tunnels) {
		return true
	}
	for i := range a.Tunnels {
		if a.Tunnels[i] != b.Tunnels[i] {
			return true
		}
	}

	if a.ProxyAddress != b.ProxyAddress {
		return true
	}
	if !stringPtrEqual(a.ProxyUsername, b.ProxyUsername) {
		return true
	}
	if !stringPtrEqual(a.ProxyPassword, b.ProxyPassword) {
		return true
	}
	if a.LocalOnly != b.LocalOnly {
		return true
	}
	if a.Verbosity != b.Verbosity {
		return true
	}
	if a.TimeoutSeconds != b.TimeoutSeconds {
		return true
	}
	if a.MaxConcurrentConnections != b.MaxConcurrentConnections {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}

	return false
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
