// Package config provides configuration management for the session layer.
//
// # Configuration File
//
// Settings are read from $HOME/.amqpmux/config.yaml (or a file named with
// SetConfigFile). A default file is created on first run. Every setting has
// a viper default, so a missing or partial file is never an error.
//
// # Settings
//
// session.* keys tune the flow-control windows, handle limit and pump
// cadence of new sessions. conn.max_frame_size sets the frame size a
// connection half advertises to its peer.
//
// Usage Pattern: call InitConfig once at startup, then build typed
// snapshots with NewSessionDefaultsFromViper / NewConnDefaultsFromViper.
package config
