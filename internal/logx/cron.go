package logx

import "fmt"

// CronLogger adapts a Logger to robfig/cron's Logger interface. Routine
// scheduler chatter goes to debug.
type CronLogger struct {
	L Logger
}

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.L.Debug("cron: "+msg, kv(keysAndValues)...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.L.Error("cron: "+msg, append(kv(keysAndValues), Err(err))...)
}

func kv(pairs []interface{}) []Field {
	out := make([]Field, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Any(fmt.Sprint(pairs[i]), pairs[i+1]))
	}
	return out
}
