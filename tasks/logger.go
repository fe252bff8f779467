package tasks

import (
	"fmt"
	"log/slog"
)

// AsynqLogger adapts slog to asynq's Logger interface so the server's
// internal logging matches the rest of the process.
type AsynqLogger struct {
	L *slog.Logger
}

func (a AsynqLogger) Debug(args ...interface{}) { a.L.Debug(fmt.Sprint(args...)) }
func (a AsynqLogger) Info(args ...interface{})  { a.L.Info(fmt.Sprint(args...)) }
func (a AsynqLogger) Warn(args ...interface{})  { a.L.Warn(fmt.Sprint(args...)) }
func (a AsynqLogger) Error(args ...interface{}) { a.L.Error(fmt.Sprint(args...)) }
func (a AsynqLogger) Fatal(args ...interface{}) { a.L.Error(fmt.Sprint(args...)) }
