/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"fmt"
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging directs the standard logger at cfg's rotated log file
// (§A AMBIENT STACK), matching the teacher's log.SetOutput/lumberjack
// pairing. An empty cfg.File leaves the logger on its default stderr
// output, for local/foreground runs.
func SetupLogging(cfg LogConf) error {
	log.SetFlags(log.Lshortfile | log.Ltime)

	if cfg.File == "" {
		return nil
	}

	maxSize := cfg.MaxSizeMB
	if maxSize == 0 {
		maxSize = 20
	}
	maxBackups := cfg.MaxBackups
	if maxBackups == 0 {
		maxBackups = 3
	}
	maxAge := cfg.MaxAgeDays
	if maxAge == 0 {
		maxAge = 14
	}

	log.SetOutput(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
	})
	return nil
}

// RotateLog reopens the log file, used by the SIGUSR1 handler (§6
// Signals: "SIGUSR1 may be used to rotate logs"). lumberjack.Logger
// already reopens lazily on next write after an external log-rotation
// tool has moved the file aside; Rotate forces it immediately so a
// `logrotate postrotate` hook sees the new file appear right away.
func RotateLog(cfg LogConf) error {
	if cfg.File == "" {
		return nil
	}
	l, ok := log.Writer().(*lumberjack.Logger)
	if !ok {
		return fmt.Errorf("xfrcore: logging: standard logger is not writing to a rotated file")
	}
	return l.Rotate()
}
