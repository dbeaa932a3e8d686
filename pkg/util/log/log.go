// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

// Package log wraps seelog behind package-level leveled functions so the
// rest of the agent never touches the logger instance directly.
package log

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cihub/seelog"
)

const logDateFormat = "2006-01-02T15:04:05Z07:00"

func init() {
	// %QuoteMsg emits the log message as a JSON string literal.
	seelog.RegisterCustomFormatter("QuoteMsg", func(string) seelog.FormatterFunc { //nolint:errcheck
		return func(message string, _ seelog.LogLevel, _ seelog.LogContextInterface) interface{} {
			return strconv.Quote(strings.TrimSuffix(message, "\n"))
		}
	})
}

// Setup replaces the default seelog logger with a console logger writing
// one JSON object per line at the requested level. Unknown levels fall
// back to info.
func Setup(logLevel string) error {
	level := strings.ToLower(logLevel)
	if _, ok := seelog.LogLevelFromString(level); !ok {
		level = "info"
	}
	config := fmt.Sprintf(`<seelog minlevel="%s">
    <outputs formatid="json">
        <console />
    </outputs>
    <formats>
        <format id="json" format='{"date":"%%Date(%s)","level":"%%LEVEL","message":%%QuoteMsg}%%n'/>
    </formats>
</seelog>`, level, logDateFormat)

	logger, err := seelog.LoggerFromConfigAsString(config)
	if err != nil {
		return err
	}
	logger.SetAdditionalStackDepth(1) //nolint:errcheck
	return seelog.ReplaceLogger(logger)
}

// Debugf formats message according to format specifier and logs it with debug severity.
func Debugf(format string, params ...interface{}) {
	seelog.Debugf(format, params...)
}

// Infof formats message according to format specifier and logs it with info severity.
func Infof(format string, params ...interface{}) {
	seelog.Infof(format, params...)
}

// Warnf formats message according to format specifier and logs it with warn severity.
func Warnf(format string, params ...interface{}) {
	seelog.Warnf(format, params...) //nolint:errcheck
}

// Errorf formats message according to format specifier and logs it with error severity.
func Errorf(format string, params ...interface{}) {
	seelog.Errorf(format, params...) //nolint:errcheck
}

// Criticalf formats message according to format specifier and logs it with critical severity.
func Criticalf(format string, params ...interface{}) {
	seelog.Criticalf(format, params...) //nolint:errcheck
}

// Flush flushes the underlying logger's buffered output.
func Flush() {
	seelog.Flush()
}
