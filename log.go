// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chunkio

import (
	"github.com/sirupsen/logrus"
)

// logger is the package-wide structured logger. Invalid arguments and
// submission failures are reported at Error level; completion failures are
// fatal (the process aborts, data corruption is presumed).
var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the package logger. Passing nil restores the
// logrus standard logger.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		logger = logrus.StandardLogger()
		return
	}
	logger = l
}
