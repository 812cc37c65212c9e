// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

// Package config loads the delegateflow configuration.
//
// Values come from defaults, an optional YAML file and DELEGATEFLOW_*
// environment variables, in that order. HotReloadManager watches the file and
// pushes admission limits and the log level into running components.
package config
