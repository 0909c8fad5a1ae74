package worker

import "github.com/sirupsen/logrus"

// asynqLogger routes asynq's internal logging through logrus.
type asynqLogger struct {
	logger logrus.FieldLogger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(args...) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(args...) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(args...) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(args...) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal(args...) }
