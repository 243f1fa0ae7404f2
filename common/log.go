package common

import "go.uber.org/zap"

// Logger is the package-level logger used by common and the protocol
// engines. It is configured once at init and never swapped at
// runtime; callers that need quieter output should lower zap's level on the
// underlying core rather than replace this var.
var Logger *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	Logger = l.Sugar()
}
