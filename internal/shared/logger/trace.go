package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var nopLogger = zerolog.Nop()

// isTerminal reports whether the process error stream is an interactive terminal.
var isTerminal = func() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Trace 是进程的诊断输出。输出目标可随时替换，
// 替换或关闭时，之前由 Trace 持有的目标会被关闭且只关闭一次。
type Trace struct {
	mu     sync.Mutex
	out    io.Writer
	owned  io.Closer
	logger atomic.Pointer[zerolog.Logger]
}

// NewTrace 创建一个没有输出目标的 Trace。
func NewTrace() *Trace {
	t := &Trace{}
	t.logger.Store(&nopLogger)
	return t
}

// NewDefaultTrace attaches stderr when it is a terminal, otherwise stays silent.
func NewDefaultTrace() *Trace {
	t := NewTrace()
	if isTerminal() {
		t.Set(os.Stderr)
	}
	return t
}

// Set 使用一个调用方持有的 writer，Trace 不会关闭它。nil 等同于 Reset。
func (t *Trace) Set(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.swap(w, nil)
}

// SetCloser 接管 wc，在下一次替换或 Close 时关闭它。
func (t *Trace) SetCloser(wc io.WriteCloser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wc == nil {
		t.swap(nil, nil)
		return
	}
	t.swap(wc, wc)
}

// SetFile 以追加模式打开 path 作为输出。ttyOnly 为 true 且 stderr 不是终端时，
// 诊断输出被静默关闭，这不是错误。打开失败时诊断输出保持关闭并返回错误。
// path 为 "-" 表示 stderr。
func (t *Trace) SetFile(path string, ttyOnly bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.swap(nil, nil)
	if path == "" || (ttyOnly && !isTerminal()) {
		return nil
	}
	if path == "-" {
		t.swap(os.Stderr, nil)
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("trace: failed to open '%s': %w", path, err)
	}
	t.swap(f, f)
	return nil
}

// Reset 关闭诊断输出。
func (t *Trace) Reset() {
	t.Set(nil)
}

// Close releases the current sink. The Trace stays usable as a no-op.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.swap(nil, nil)
}

// Enabled reports whether a sink is attached.
func (t *Trace) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out != nil
}

// Logger 返回绑定到当前输出的 logger，没有输出时返回 no-op logger。
func (t *Trace) Logger() *zerolog.Logger {
	return t.logger.Load()
}

// swap must be called with t.mu held.
func (t *Trace) swap(out io.Writer, owned io.Closer) error {
	var err error
	if t.owned != nil {
		err = t.owned.Close()
	}
	t.out, t.owned = out, owned

	if out == nil {
		t.logger.Store(&nopLogger)
		return err
	}
	l := zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: "15:04:05.000",
	}).With().Timestamp().Logger()
	t.logger.Store(&l)
	return err
}
