package log

import (
	"bytes"

	"go.uber.org/zap/zaptest"
)

// testingWriter 把编码后的日志逐行转发到 t.Log。
type testingWriter struct {
	t    zaptest.TestingT
	fail bool
}

func newTestingWriter(t zaptest.TestingT) testingWriter {
	return testingWriter{t: t}
}

// failing 返回写入后将测试标记为失败的副本，用于 zap 内部错误输出。
func (w testingWriter) failing() testingWriter {
	w.fail = true
	return w
}

func (w testingWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte{'\n'}) {
		w.t.Logf("%s", line)
	}
	if w.fail {
		w.t.Fail()
	}
	return len(p), nil
}

func (testingWriter) Sync() error { return nil }
