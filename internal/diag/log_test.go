package diag

import (
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_WriteAndDrain(t *testing.T) {
	l := New(16, logrus.InfoLevel)

	n, err := l.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, l.Len())

	assert.Equal(t, []byte("hel"), l.Drain(3))
	assert.Equal(t, []byte("lo"), l.Drain(0))
	assert.Equal(t, []byte{}, l.Drain(10))
}

func TestLog_EvictsOldest(t *testing.T) {
	l := New(8, logrus.InfoLevel)

	_, err := l.Write([]byte("abcdef"))
	require.NoError(t, err)
	_, err = l.Write([]byte("ghij"))
	require.NoError(t, err)

	assert.Equal(t, []byte("cdefghij"), l.Drain(0))
	assert.Equal(t, uint64(2), l.Dropped())
}

func TestLog_OversizedWriteKeepsTail(t *testing.T) {
	l := New(4, logrus.InfoLevel)

	n, err := l.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n, "the caller's full length is reported")
	assert.Equal(t, []byte("6789"), l.Drain(0))
	assert.Equal(t, uint64(6), l.Dropped())
}

func TestLog_Hook(t *testing.T) {
	l := New(256, logrus.InfoLevel)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	logger.AddHook(l)

	logger.Debug("not captured")
	logger.WithField("seq", 1).Info("Buffer full")
	logger.Error("Error enabling advertisement")

	out := string(l.Reader()(0))
	assert.NotContains(t, out, "not captured")
	assert.Contains(t, out, "msg=Buffer full seq=1")
	assert.Contains(t, out, "level=error")
	assert.Equal(t, 2, strings.Count(out, "\n"))
	assert.Equal(t, 0, l.Len(), "reading drains the log")
}

func TestLog_ReaderHonorsLimit(t *testing.T) {
	l := New(1024, logrus.InfoLevel)
	_, err := l.Write([]byte(strings.Repeat("x", 100)))
	require.NoError(t, err)

	read := l.Reader()
	assert.Len(t, read(22), 22)
	assert.Equal(t, 78, l.Len(), "only the delivered bytes are consumed")
	assert.Len(t, read(0), 78)
	assert.Empty(t, read(22))
}

func TestLog_ReaderCapsAtOneAttRead(t *testing.T) {
	l := New(2048, logrus.InfoLevel)
	_, err := l.Write([]byte(strings.Repeat("x", 600)))
	require.NoError(t, err)

	assert.Len(t, l.Reader()(4096), MaxAttrRead)
}

func TestLog_Levels(t *testing.T) {
	l := New(8, logrus.WarnLevel)
	assert.Equal(t, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}, l.Levels())
}

func TestNew_PanicsOnZeroSize(t *testing.T) {
	assert.Panics(t, func() { New(0, logrus.InfoLevel) })
}
