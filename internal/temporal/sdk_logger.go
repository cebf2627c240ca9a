package temporal

import (
	"fmt"

	"promptchain/internal/logging"
)

// sdkLogger adapts the Temporal SDK's key/value logger to logging.Logger.
type sdkLogger struct {
	logger *logging.Logger
}

func newSDKLogger(logger *logging.Logger) *sdkLogger {
	return &sdkLogger{logger: logger}
}

// Debug is dropped; the SDK is chatty below info.
func (l *sdkLogger) Debug(msg string, keyvals ...interface{}) {}

func (l *sdkLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, sdkFields(keyvals))
}

func (l *sdkLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, sdkFields(keyvals))
}

func (l *sdkLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, sdkFields(keyvals))
}

func sdkFields(keyvals []interface{}) map[string]string {
	fields := map[string]string{"source": "temporal-sdk"}
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields[fmt.Sprint(keyvals[i])] = fmt.Sprint(keyvals[i+1])
	}
	if len(keyvals)%2 == 1 {
		fields["extra"] = fmt.Sprint(keyvals[len(keyvals)-1])
	}
	return fields
}
