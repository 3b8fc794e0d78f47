/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

// Package logging configures the process-wide logrus logger from the
// framework's seven-level scheme and attaches the canonical satellite or
// controller name to every entry.
package logging

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Level is one of the framework's seven log levels, ordered from most to
// least verbose.
type Level int

// Log levels, per spec §6's CLI surface.
const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelStatus
	LevelCritical
	LevelOff
)

var levelNames = map[Level]string{
	LevelTrace:    "TRACE",
	LevelDebug:    "DEBUG",
	LevelInfo:     "INFO",
	LevelWarning:  "WARNING",
	LevelStatus:   "STATUS",
	LevelCritical: "CRITICAL",
	LevelOff:      "OFF",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel looks up a Level by its CLI name, case-insensitively.
func ParseLevel(name string) (Level, error) {
	up := strings.ToUpper(strings.TrimSpace(name))
	for l, n := range levelNames {
		if n == up {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// toLogrusLevel maps a framework Level onto the nearest logrus level.
// STATUS (operator-facing lifecycle milestones, no logrus equivalent) maps
// to logrus.InfoLevel; CRITICAL maps to logrus.ErrorLevel, logrus' most
// severe level that is a plain threshold rather than a call that aborts
// the process.
func toLogrusLevel(l Level) log.Level {
	switch l {
	case LevelTrace:
		return log.TraceLevel
	case LevelDebug:
		return log.DebugLevel
	case LevelInfo, LevelStatus:
		return log.InfoLevel
	case LevelWarning:
		return log.WarnLevel
	case LevelCritical:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Configure sets the process-wide logrus level and output format. OFF
// discards all output rather than relying on a logrus level threshold.
func Configure(level Level) {
	if level == LevelOff {
		log.SetOutput(io.Discard)
		return
	}
	log.SetLevel(toLogrusLevel(level))
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// For returns a *log.Entry with the satellite/controller canonical name
// attached, the way every component should obtain its logger.
func For(canonicalName string) *log.Entry {
	return log.WithField("name", canonicalName)
}
