// Package config loads the controller configuration.
//
// A configuration file is YAML (.yaml, .yml, .json) or CUE (.cue). Fields
// left out take their defaults: the controller listens on 127.0.0.1:10105,
// frames are limited to 16 MiB and execute history is kept in memory.
//
//	listen: "0.0.0.0:10105"
//	history_path: /var/lib/ipcontroller/history.db
//	history_limit: 1000
//	logging:
//	  level: debug
//	metrics:
//	  enabled: true
//
// CUE files are unified with a schema that carries the same defaults, so the
// CUE form can use constraints and references:
//
//	listen:        "0.0.0.0:10105"
//	history_limit: 10 * 100
//
// Every loaded file is checked with go-playground/validator. Watch reloads
// the file on change; the controller uses it to adjust the log level without
// a restart.
package config
