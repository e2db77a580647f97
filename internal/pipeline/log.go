package pipeline

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/keystroke-tools/hub/api/abi"
)

// hostCore is a zapcore.Core that hands every entry to the host log import.
// Time and level are left out of the record; the host adds both.
type hostCore struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	host Host
}

// NewHostCore returns a core writing JSON records through host.Log.
func NewHostCore(host Host, enab zapcore.LevelEnabler) zapcore.Core {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:     "msg",
		NameKey:        "logger",
		LineEnding:     "",
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	return &hostCore{LevelEnabler: enab, enc: enc, host: host}
}

// NewHostLogger returns a logger on top of NewHostCore.
func NewHostLogger(host Host, debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	return zap.New(NewHostCore(host, level))
}

func (c *hostCore) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &hostCore{LevelEnabler: c.LevelEnabler, enc: enc, host: c.host}
}

func (c *hostCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *hostCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	msg := strings.TrimRight(buf.String(), "\n")
	buf.Free()

	c.host.Log(hostLevel(ent.Level), msg)
	return nil
}

func (c *hostCore) Sync() error {
	return nil
}

func hostLevel(l zapcore.Level) uint32 {
	switch {
	case l <= zapcore.DebugLevel:
		return abi.LevelDebug
	case l == zapcore.InfoLevel:
		return abi.LevelInfo
	case l == zapcore.WarnLevel:
		return abi.LevelWarn
	default:
		return abi.LevelError
	}
}
