// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Logger = nil
)

func init() {
	logger = logrus.New()
}

// SetLogger replaces the package logger. Tools call this once at startup so
// library output shares their formatter and level.
func SetLogger(loggerInstance *logrus.Logger) {
	logger = loggerInstance
}

// DebugLevelToLogrus maps the -debug N command line convention onto logrus
// levels. 0 keeps the library quiet apart from warnings.
func DebugLevelToLogrus(level int) logrus.Level {
	switch {
	case level <= 0:
		return logrus.WarnLevel
	case level == 1:
		return logrus.InfoLevel
	case level == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}
