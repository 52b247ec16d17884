// Package config provides the qlink configuration document.
//
// The document is a YAML file holding the instrument address and
// credentials, link timeouts, record defaults, continuity and status
// settings, and the station channel table. The channel table converts into
// an lcq.Plan and serves as the default parser for the configuration blob
// the instrument sends during registration.
//
// # Configuration File Location
//
// Without an explicit path the file is read from:
//   - Linux: $XDG_CONFIG_HOME/qlink/config.yaml or $HOME/.config/qlink/config.yaml
//   - macOS: $HOME/.config/qlink/config.yaml
//   - Windows: %LOCALAPPDATA%\qlink\config.yaml
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	table, err := cfg.Plan().Build(emit)
//
// # Thread Safety
//
// Save serializes writes with a package mutex and replaces the file
// atomically. A Config value itself is not safe for concurrent mutation.
package config
