package log

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{Logger: zap.New(core)}, logs
}

func TestTraceFields(t *testing.T) {
	l, logs := observed()
	l.Trace(0xc0de0010, "nvm", "nvm_write", "len=4")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	m := entries[0].ContextMap()
	if m["pc"] != "0xc0de0010" || m["fn"] != "nvm_write" || m["cat"] != "nvm" {
		t.Errorf("fields = %v", m)
	}
}

func TestCrashAndTransportLevels(t *testing.T) {
	l, logs := observed()
	l.Crash(0x10, "udf", Syscall("halt"))
	l.Transport("send", errors.New("no client"))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel || entries[0].ContextMap()["syscall"] != "halt" {
		t.Errorf("crash entry = %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("transport level = %v", entries[1].Level)
	}
}

func TestHex(t *testing.T) {
	if got := Hex(0xfffffff0); got != "0xfffffff0" {
		t.Errorf("Hex = %s", got)
	}
}
